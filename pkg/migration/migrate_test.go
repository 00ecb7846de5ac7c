package migration

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"
)

// TestRebind はプレースホルダーの置き換えを検証する。
func TestRebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{
			name:    "SQLiteではそのまま返すこと",
			dialect: SQLite,
			query:   "INSERT INTO routes (id, pattern) VALUES (?, ?)",
			want:    "INSERT INTO routes (id, pattern) VALUES (?, ?)",
		},
		{
			name:    "PostgreSQLでは番号付きプレースホルダーになること",
			dialect: Postgres,
			query:   "INSERT INTO routes (id, pattern) VALUES (?, ?)",
			want:    "INSERT INTO routes (id, pattern) VALUES ($1, $2)",
		},
		{
			name:    "プレースホルダーが無い場合はそのまま返すこと",
			dialect: Postgres,
			query:   "DELETE FROM routes",
			want:    "DELETE FROM routes",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.dialect.Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_zone.up.sql":      {Data: []byte("ALTER TABLE valves ADD COLUMN zone TEXT;")},
		"migrations/000001_create_valves.up.sql": {Data: []byte("CREATE TABLE valves (id TEXT PRIMARY KEY);")},
		"migrations/README.md":                   {Data: []byte("ignored")},
	}

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("データベース接続に失敗: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	logger := hclog.NewNullLogger()

	t.Run("バージョン順に適用されること", func(t *testing.T) {
		if err := Run(ctx, db, SQLite, fsys, "migrations", logger); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if _, err := db.Exec("INSERT INTO valves (id, zone) VALUES ('v1', 'north')"); err != nil {
			t.Errorf("マイグレーション後のテーブルに書き込めない: %v", err)
		}
	})

	t.Run("2回目の実行では何も適用しないこと", func(t *testing.T) {
		if err := Run(ctx, db, SQLite, fsys, "migrations", logger); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
			t.Fatalf("件数の取得に失敗: %v", err)
		}
		if n != 2 {
			t.Errorf("適用数 = %d, want 2", n)
		}
	})
}
