// Package routestore はサービスレジストリとルートポリシーをSQLデータベースに保存する。
//
// ゲートウェイは起動時に一度だけ読み込み、以降は参照しない。
// 接続先は "sqlite://パス" または "postgres://..." 形式のDSNで指定する。
package routestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrUnsupportedDSN はDSNのスキームに対応していないことを表す。
var ErrUnsupportedDSN = errors.New("対応していないDSNです")

// Store はルートストア。
type Store struct {
	// db はデータベース接続。
	db *sql.DB
	// dialect はプレースホルダーの方言。
	dialect migration.Dialect
}

// Open はDSNに接続し、マイグレーションを適用する。
func Open(ctx context.Context, dsn string, logger hclog.Logger) (*Store, error) {
	driver, source, dialect, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dialect == migration.SQLite {
		// SQLiteは書き込みを直列化する。
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := migration.Run(ctx, db, dialect, migrationsFS, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// parseDSN はDSNからドライバー名と接続文字列を決定する。
func parseDSN(dsn string) (driver, source string, dialect migration.Dialect, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return "", "", 0, fmt.Errorf("%w: パスがありません: %q", ErrUnsupportedDSN, dsn)
		}
		return "sqlite", path, migration.SQLite, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, migration.Postgres, nil
	default:
		return "", "", 0, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}
}

// Close は接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Load は宣言順のサービスとルートを読み込む。
func (s *Store) Load(ctx context.Context) ([]config.ServiceConfig, []config.RouteConfig, error) {
	services, err := s.loadServices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("サービスの読み込みに失敗: %w", err)
	}
	routes, err := s.loadRoutes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ルートの読み込みに失敗: %w", err)
	}
	return services, routes, nil
}

func (s *Store) loadServices(ctx context.Context) ([]config.ServiceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, timeout_ms,
			error_threshold_percentage, rolling_window_ms, buckets, minimum_samples, reset_timeout_ms
		FROM services ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []config.ServiceConfig
	for rows.Next() {
		var (
			sc                                  config.ServiceConfig
			threshold                           sql.NullFloat64
			windowMS, buckets, minimum, resetMS sql.NullInt64
		)
		if err := rows.Scan(&sc.ID, &sc.URL, &sc.TimeoutMS,
			&threshold, &windowMS, &buckets, &minimum, &resetMS); err != nil {
			return nil, err
		}
		// 列がすべて NULL のサービスは共通設定をそのまま使う。
		if threshold.Valid || windowMS.Valid || buckets.Valid || minimum.Valid || resetMS.Valid {
			sc.Breaker = &config.BreakerConfig{
				ErrorThresholdPercentage: threshold.Float64,
				RollingWindowMS:          windowMS.Int64,
				Buckets:                  int(buckets.Int64),
				MinimumSamples:           int(minimum.Int64),
				ResetTimeoutMS:           resetMS.Int64,
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) loadRoutes(ctx context.Context) ([]config.RouteConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern, methods, service, protected, roles, window_ms, max_requests, strip_prefix, timeout_ms
		FROM routes ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []config.RouteConfig
	for rows.Next() {
		var (
			rc                    config.RouteConfig
			methods, roles        string
			windowMS, maxRequests sql.NullInt64
		)
		if err := rows.Scan(&rc.ID, &rc.Pattern, &methods, &rc.Service, &rc.Protected, &roles,
			&windowMS, &maxRequests, &rc.StripPrefix, &rc.TimeoutMS); err != nil {
			return nil, err
		}
		rc.Methods = splitList(methods)
		rc.Roles = splitList(roles)
		if windowMS.Valid || maxRequests.Valid {
			rc.RateLimit = &config.RateLimitConfig{WindowMS: windowMS.Int64, Max: int(maxRequests.Int64)}
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Seed は保存済みの内容をすべて置き換える。
func (s *Store) Seed(ctx context.Context, services []config.ServiceConfig, routes []config.RouteConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{"DELETE FROM routes", "DELETE FROM services"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("既存データの削除に失敗: %w", err)
		}
	}

	insertService := s.dialect.Rebind(`
		INSERT INTO services (id, url, timeout_ms, position,
			error_threshold_percentage, rolling_window_ms, buckets, minimum_samples, reset_timeout_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, sc := range services {
		var (
			threshold                           sql.NullFloat64
			windowMS, buckets, minimum, resetMS sql.NullInt64
		)
		if b := sc.Breaker; b != nil {
			threshold = sql.NullFloat64{Float64: b.ErrorThresholdPercentage, Valid: true}
			windowMS = sql.NullInt64{Int64: b.RollingWindowMS, Valid: true}
			buckets = sql.NullInt64{Int64: int64(b.Buckets), Valid: true}
			minimum = sql.NullInt64{Int64: int64(b.MinimumSamples), Valid: true}
			resetMS = sql.NullInt64{Int64: b.ResetTimeoutMS, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertService, sc.ID, sc.URL, sc.TimeoutMS, i,
			threshold, windowMS, buckets, minimum, resetMS); err != nil {
			return fmt.Errorf("サービス %q の保存に失敗: %w", sc.ID, err)
		}
	}

	insertRoute := s.dialect.Rebind(`
		INSERT INTO routes (position, id, pattern, methods, service, protected, roles, window_ms, max_requests, strip_prefix, timeout_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, rc := range routes {
		var windowMS, maxRequests sql.NullInt64
		if rc.RateLimit != nil {
			windowMS = sql.NullInt64{Int64: rc.RateLimit.WindowMS, Valid: true}
			maxRequests = sql.NullInt64{Int64: int64(rc.RateLimit.Max), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertRoute, i, rc.ID, rc.Pattern, strings.Join(rc.Methods, ","),
			rc.Service, rc.Protected, strings.Join(rc.Roles, ","), windowMS, maxRequests, rc.StripPrefix, rc.TimeoutMS); err != nil {
			return fmt.Errorf("ルート %q の保存に失敗: %w", rc.Pattern, err)
		}
	}

	return tx.Commit()
}

// splitList はカンマ区切りの値を分割する。空文字列は nil を返す。
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
