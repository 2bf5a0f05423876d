package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"tradeguard/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newAuditCmd(rc *rootConfig) *cobra.Command {
	var (
		user  string
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List stored risk assessments for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}

			store, err := storage.New(rc.dataPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			to := time.Now()
			records, err := store.ListAssessments(user, to.Add(-since), to)
			if err != nil {
				return fmt.Errorf("list assessments: %w", err)
			}
			renderAudit(cmd.OutOrStdout(), user, records)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User whose assessments to list")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	return cmd
}

func renderAudit(w io.Writer, user string, records []storage.AuditRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("ASSESSMENTS: %s", strings.ToUpper(user)))
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Time", "Symbol", "Side", "Amount", "Action", "Level", "Reasons"})

	counts := make(map[string]int)
	for _, r := range records {
		a := r.Assessment
		counts[string(a.Action)]++
		t.AppendRow(table.Row{
			a.AssessedAt.Format(time.RFC3339),
			a.Symbol,
			r.Request.Side,
			r.Request.Amount,
			actionColor(a.Action).Sprint(string(a.Action)),
			a.Level.String(),
			strings.Join(a.Reasons, "; "),
		})
	}

	summary := make([]string, 0, len(counts))
	for _, action := range []string{"ALLOW", "REDUCE_SIZE", "REQUIRE_APPROVAL", "BLOCK"} {
		if n := counts[action]; n > 0 {
			summary = append(summary, fmt.Sprintf("%s=%d", action, n))
		}
	}
	t.AppendFooter(table.Row{"Total", len(records), "", "", strings.Join(summary, " "), "", ""})
	t.Render()
}

func newEventsCmd(rc *rootConfig) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List emergency-stop activations and deactivations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(rc.dataPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			to := time.Now()
			events, err := store.ListEmergencyEvents(to.Add(-since), to)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetTitle("EMERGENCY STOP EVENTS")
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Time", "State", "Reason"})
			for _, ev := range events {
				state := "DEACTIVATED"
				if ev.Active {
					state = "ACTIVATED"
				}
				t.AppendRow(table.Row{ev.At.Format(time.RFC3339), state, ev.Reason})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "How far back to look")
	return cmd
}
