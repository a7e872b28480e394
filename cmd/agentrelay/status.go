package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/BaSui01/agentrelay/types"
)

// =============================================================================
// 📊 status 命令：查询运行中的中继
// =============================================================================

// 客户端侧的视图只取展示需要的字段
type sessionRow struct {
	SessionID    string             `json:"session_id"`
	TaskID       string             `json:"task_id"`
	Platform     string             `json:"platform"`
	Utilization  float64            `json:"utilization"`
	WarningLevel types.WarningLevel `json:"warning_level"`
}

type breakerRow struct {
	AdapterID           string `json:"adapter_id"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		limit   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions, breakers and recent handoffs of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &statusClient{
				base: strings.TrimRight(addr, "/"),
				http: &http.Client{Timeout: timeout},
			}
			return client.print(cmd.Context(), cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server address")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent handoffs to show")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

type statusClient struct {
	base string
	http *http.Client
}

func (c *statusClient) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("GET %s: %s: %s", path, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.Unmarshal(env.Data, dst)
}

func (c *statusClient) print(ctx context.Context, out io.Writer, limit int) error {
	var (
		sessions []sessionRow
		breakers []breakerRow
		handoffs []types.HandoffRecord
	)
	if err := c.get(ctx, "/api/v1/metrics/sessions", &sessions); err != nil {
		return err
	}
	if err := c.get(ctx, "/api/v1/breakers", &breakers); err != nil {
		return err
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v1/handoffs?limit=%d", limit), &handoffs); err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Fprintln(out, "Sessions")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTASK\tPLATFORM\tUTILIZATION\tLEVEL")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n", s.SessionID, s.TaskID, s.Platform, s.Utilization*100, levelColor(s.WarningLevel))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "  (no active sessions)")
	}

	fmt.Fprintln(out)
	bold.Fprintln(out, "Circuit breakers")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADAPTER\tSTATE\tFAILURES")
	for _, b := range breakers {
		fmt.Fprintf(w, "%s\t%s\t%d\n", b.AdapterID, breakerColor(b.Status), b.ConsecutiveFailures)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	bold.Fprintln(out, "Recent handoffs")
	if len(handoffs) == 0 {
		fmt.Fprintln(out, "  (none)")
		return nil
	}
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTASK\tFROM\tTO\tTRIGGER\tRESULT")
	for _, h := range handoffs {
		result := color.GreenString("ok")
		if !h.Success {
			result = color.RedString("failed: %s", h.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.Timestamp.Local().Format(time.DateTime), h.TaskID, h.FromPlatform, h.ToPlatform, h.TriggeredBy, result)
	}
	return w.Flush()
}

func levelColor(level types.WarningLevel) string {
	switch level {
	case types.LevelWarning:
		return color.YellowString(string(level))
	case types.LevelCritical, types.LevelEmergency:
		return color.RedString(string(level))
	default:
		return color.GreenString(string(level))
	}
}

func breakerColor(state string) string {
	switch state {
	case "open":
		return color.RedString(state)
	case "half_open":
		return color.YellowString(state)
	default:
		return color.GreenString(state)
	}
}
