package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"driveshare/pkg/admin"
	"driveshare/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const defaultAdminAddr = "127.0.0.1:7070"

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	linkStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Underline(true)
)

func statusCmd() *cobra.Command {
	var (
		addr    string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		Long:  "Queries the admin service of a node started with --admin-addr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			st, err := admin.FetchStatus(ctx, addr)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(statusJSON(st, time.Now()))
			}

			fmt.Println(renderStatus(st, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "admin-addr", defaultAdminAddr, "admin service address of the node")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func statusJSON(st types.NodeStatus, now time.Time) map[string]interface{} {
	out := map[string]interface{}{
		"mode":          st.Mode,
		"state":         st.State.String(),
		"key":           st.Key,
		"discovery_key": st.DiscoveryKey,
		"url":           st.URL,
		"port":          st.Port,
		"peers":         st.Peers,
		"length":        st.Length,
		"full":          st.Full,
	}
	if !st.StartedAt.IsZero() {
		out["started_at"] = st.StartedAt.UTC().Format(time.RFC3339)
		out["uptime_seconds"] = int64(now.Sub(st.StartedAt).Seconds())
	}
	return out
}

func renderStatus(st types.NodeStatus, now time.Time) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	stateStyle := valueStyle.Foreground(warningColor)
	if st.State == types.StateRunning {
		stateStyle = valueStyle.Foreground(accentColor)
	}

	peerStyle := valueStyle
	if st.Peers == 0 && st.Mode == types.ModeReplica {
		peerStyle = valueStyle.Foreground(dangerColor)
	}

	rows := []string{
		titleStyle.Render("DRIVESHARE " + strings.ToUpper(string(st.Mode))),
		row("State", stateStyle.Render(st.State.String())),
		row("Key", valueStyle.Render(orDash(st.Key))),
		row("Discovery key", valueStyle.Render(orDash(st.DiscoveryKey))),
		row("URL", linkStyle.Render(orDash(st.URL))),
		row("Peers", peerStyle.Render(strconv.Itoa(st.Peers))),
		row("Log length", valueStyle.Render(strconv.FormatUint(st.Length, 10))),
	}
	if st.Mode == types.ModeReplica {
		full := "sparse"
		if st.Full {
			full = "full"
		}
		rows = append(rows, row("Replication", valueStyle.Render(full)))
	}
	if !st.StartedAt.IsZero() {
		rows = append(rows, row("Uptime", valueStyle.Render(now.Sub(st.StartedAt).Truncate(time.Second).String())))
	}

	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
