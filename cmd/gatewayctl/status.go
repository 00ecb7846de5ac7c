package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nao1215/agrigate/pkg/event"
	"github.com/nao1215/agrigate/pkg/httpclient"
)

// statusResponse は /_gateway/status のレスポンス。
type statusResponse struct {
	Status   string    `json:"status"`
	Time     time.Time `json:"time"`
	Services []struct {
		Service             string    `json:"service"`
		State               string    `json:"state"`
		FailureRate         float64   `json:"failure_rate"`
		Requests            int       `json:"requests"`
		Failures            int       `json:"failures"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
		TrialInFlight       bool      `json:"trial_in_flight"`
		LastTransition      time.Time `json:"last_transition"`
	} `json:"services"`
	RecentTransitions []event.Event `json:"recent_transitions"`
	Routes            int           `json:"routes"`
	RateLimitCounters int           `json:"rate_limit_counters"`
}

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		events  int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "サービスごとのブレーカーの状態を表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var resp statusResponse
			if err := httpclient.New(addr).GetJSON(ctx, "/_gateway/status", &resp); err != nil {
				return fmt.Errorf("ステータスの取得に失敗: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), &resp, events)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "ゲートウェイのベースURL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "リクエストのタイムアウト")
	cmd.Flags().IntVar(&events, "events", 10, "表示する直近の遷移イベント数")
	return cmd
}

// stateColor はブレーカーの状態を色付きの文字列にする。
func stateColor(state string) string {
	switch state {
	case "closed":
		return color.GreenString(state)
	case "open":
		return color.RedString(state)
	case "half-open":
		return color.YellowString(state)
	default:
		return state
	}
}

// printStatus はステータスを表形式で出力する。
func printStatus(out io.Writer, resp *statusResponse, events int) error {
	fmt.Fprintf(out, "routes=%d rate_limit_counters=%d time=%s\n\n",
		resp.Routes, resp.RateLimitCounters, resp.Time.Format(time.RFC3339))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tFAILURE RATE\tREQUESTS\tFAILURES\tLAST TRANSITION")
	for _, s := range resp.Services {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%d\t%d\t%s\n",
			s.Service, stateColor(s.State), s.FailureRate, s.Requests, s.Failures,
			s.LastTransition.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if events <= 0 || len(resp.RecentTransitions) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nRECENT TRANSITIONS")
	for i := range resp.RecentTransitions {
		if i >= events {
			break
		}
		e := &resp.RecentTransitions[i]
		fmt.Fprintf(out, "  %s  %-16s %-18s", e.CreatedAt.Format(time.RFC3339), e.Service, e.EventType)
		if d, err := event.DecodeData[event.BreakerTransitionData](e); err == nil {
			fmt.Fprintf(out, " %s -> %s (%.1f%%)", d.From, stateColor(d.To), d.FailureRate)
		}
		fmt.Fprintln(out)
	}
	return nil
}
