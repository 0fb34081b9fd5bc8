package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"avatarctl/internal/entity"
	"avatarctl/internal/ledger"
	"avatarctl/internal/studio"
)

type jobView struct {
	Key           string `json:"key"`
	Label         string `json:"label,omitempty"`
	Status        string `json:"status"`
	Class         string `json:"class"`
	Degraded      bool   `json:"degraded,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func newJobView(job ledger.Job) jobView {
	return jobView{
		Key:           job.Key.String(),
		Label:         job.Label,
		Status:        string(job.Status),
		Class:         job.Class.String(),
		Degraded:      job.Degraded,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var activeOnly bool
	var asJSON bool
	var prune time.Duration

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List generation jobs started from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				out := cmd.OutOrStdout()
				if prune > 0 {
					removed, err := s.PruneJobs(cmd.Context(), prune)
					if err != nil {
						return err
					}
					if !asJSON {
						fmt.Fprintf(out, "Pruned %d finished job(s)\n", removed)
					}
				}
				jobs, err := s.Jobs(cmd.Context(), activeOnly)
				if err != nil {
					return err
				}
				if asJSON {
					views := make([]jobView, 0, len(jobs))
					for _, job := range jobs {
						views = append(views, newJobView(job))
					}
					return writeJSON(cmd, views)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs recorded")
					return nil
				}
				spec := tableSpec{
					headers:  []string{"Job", "Label", "Status", "Started", "Updated"},
					colorize: shouldColorize(out),
				}
				fmt.Fprintln(out, spec.render(buildJobRows(jobs)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show unfinished jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Remove finished jobs older than this duration first (e.g. 168h)")
	return cmd
}

func buildJobRows(jobs []ledger.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		status := formatStatusLabel(job.Status)
		switch {
		case job.FailureReason != "":
			status += ": " + truncate(job.FailureReason, 32)
		case job.Degraded:
			status += " (degraded)"
		}
		rows = append(rows, []string{
			job.Key.String(),
			truncate(job.Label, 32),
			status,
			formatDisplayTime(job.CreatedAt),
			formatDisplayTime(job.UpdatedAt),
		})
	}
	return rows
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Watch every unfinished job until it ends",
		Long:  "Watch every unfinished job until it ends.\n\nSend SIGUSR1 to pause polling and SIGUSR2 to resume it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				stop := pauseOnSignals(cmd.Context(), s)
				defer stop()

				var mu sync.Mutex
				results, err := s.Resume(cmd.Context(), func(u studio.Update) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintln(out, entityStatusLine(u.Entity, u.Degraded, colorize))
				})
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(out, "No unfinished jobs")
					return nil
				}
				return summarizeResume(out, results)
			})
		},
	}
}

func summarizeResume(out io.Writer, results []studio.ResumeResult) error {
	var failed []string
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed = append(failed, fmt.Sprintf("%s: %s", res.Key, describeError(res.Err)))
		case res.Final.Class() == entity.TerminalFailure:
			failed = append(failed, fmt.Sprintf("%s: %s", res.Key, firstNonEmpty(res.Final.FailureReason, "failed")))
		}
	}
	fmt.Fprintf(out, "%d job(s) finished, %d failed\n", len(results)-len(failed), len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("failed jobs:\n  %s", strings.Join(failed, "\n  "))
	}
	return nil
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(time.Local).Format("2006-01-02 15:04")
}

func truncate(value string, limit int) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit-1]) + "…"
}
