package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/notify"
	"github.com/spf13/cobra"
)

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	statusCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	statusMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	statusErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Padding(0, 1)
	statusOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Padding(0, 1)
)

// storedProgress computes progress from persisted byte counters only.
func storedProgress(job *db.Job) notify.JobProgress {
	p := notify.JobProgress{Job: job}
	for _, u := range job.Units {
		p.BytesDone += u.BytesDone
		p.BytesTotal += u.BytesTotal
		if u.TransferStarted != nil && u.TransferFinished == nil && u.Completed == nil {
			p.ActiveTransfers++
		}
		if u.UnpackStarted != nil && u.UnpackFinished == nil && u.Completed == nil {
			p.ActiveUnpacks++
		}
	}
	if p.BytesTotal > 0 {
		p.Percent = float64(p.BytesDone) / float64(p.BytesTotal) * 100
	}
	return p
}

func jobState(v notify.View) string {
	switch {
	case v.Retrying:
		return "retrying"
	case v.Completed != nil && v.Error != "":
		return "failed"
	case v.Completed != nil:
		return "completed"
	default:
		return v.RemoteStatus
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func renderStatus(w io.Writer, views []notify.View) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "No jobs")
		return err
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		size := "-"
		if v.BytesTotal > 0 {
			size = formatSize(v.BytesTotal)
		}
		rows = append(rows, []string{
			v.ID[:min(8, len(v.ID))],
			truncate(v.Name, 40),
			jobState(v),
			fmt.Sprintf("%d/%d", v.UnitsCompleted, v.Units),
			fmt.Sprintf("%.1f%%", v.Percent),
			size,
			truncate(v.Error, 40),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ID", "NAME", "STATE", "UNITS", "DONE", "SIZE", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return statusHeaderStyle
			}
			switch {
			case col == 0:
				return statusMutedStyle
			case col == 2 && rows[row][2] == "failed", col == 6:
				return statusErrorStyle
			case col == 2 && rows[row][2] == "completed":
				return statusOKStyle
			}
			return statusCellStyle
		})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job progress",
	Long:  "Display every job with its state, unit counts and transferred bytes as stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.registry.GetAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load jobs: %w", err)
		}
		progress := make([]notify.JobProgress, 0, len(jobs))
		for _, job := range jobs {
			progress = append(progress, storedProgress(job))
		}
		views := notify.Views(progress)

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(views)
		}
		return renderStatus(cmd.OutOrStdout(), views)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print jobs as JSON")
	RootCmd.AddCommand(statusCmd)
}
