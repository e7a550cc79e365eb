package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"apsbulk/internal/bulk"
	"apsbulk/internal/checkpoint"
	"apsbulk/internal/progress"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(12)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

// maxReportedFailures caps the failure list of the final report
const maxReportedFailures = 20

func statusStyle(s checkpoint.OperationStatus) lipgloss.Style {
	switch s {
	case checkpoint.StatusCompleted:
		return successStyle
	case checkpoint.StatusFailed:
		return errorStyle
	case checkpoint.StatusCancelled:
		return warningStyle
	}
	return lipgloss.NewStyle()
}

func field(w io.Writer, label, value string) {
	fmt.Fprintln(w, labelStyle.Render(label)+value)
}

// renderResult prints the final report of a run
func renderResult(w io.Writer, res *bulk.Result) {
	title := "Operation " + res.OperationID
	if res.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render(title))
	field(w, "Kind", res.Kind)
	field(w, "Status", statusStyle(res.Status).Render(string(res.Status)))
	field(w, "Items", counters(res.Counters))
	if res.Duration > 0 {
		field(w, "Duration", res.Duration.Round(time.Millisecond).String())
	}

	failures := res.Failures()
	if len(failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("Failed items (%d)", len(failures))))
		for i, f := range failures {
			if i == maxReportedFailures {
				fmt.Fprintf(w, "  ... and %d more, see: apsbulk operations status %s\n", len(failures)-i, res.OperationID)
				break
			}
			fmt.Fprintf(w, "  %s  %s\n", itemName(f.ID, f.Label), f.Error)
		}
	}

	switch res.Status {
	case checkpoint.StatusCancelled, checkpoint.StatusFailed:
		if res.Counters.Pending+res.Counters.InFlight > 0 {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Resume with: apsbulk operations resume %s\n", res.OperationID)
		}
	}
}

func counters(c checkpoint.Counters) string {
	parts := []string{
		fmt.Sprintf("%d/%d done", c.Done(), c.Total),
		successStyle.Render(fmt.Sprintf("%d completed", c.Completed)),
	}
	if c.Failed > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d failed", c.Failed)))
	}
	if c.Skipped > 0 {
		parts = append(parts, warningStyle.Render(fmt.Sprintf("%d skipped", c.Skipped)))
	}
	if n := c.Pending + c.InFlight; n > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", n))
	}
	return strings.Join(parts, ", ")
}

func itemName(id, label string) string {
	if label == "" || label == id {
		return id
	}
	return fmt.Sprintf("%s (%s)", label, id)
}

// renderSummaries prints the operation list as a table
func renderSummaries(w io.Writer, ops []checkpoint.Summary) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "(no operations)")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tDONE\tFAILED\tUPDATED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			op.ID, op.Kind, op.Status,
			op.Counters.Done(), op.Counters.Total, op.Counters.Failed,
			op.UpdatedAt.Local().Format(time.DateTime),
		)
	}
}

// renderState prints an operation and its items
func renderState(w io.Writer, s *checkpoint.OperationState) {
	fmt.Fprintln(w, titleStyle.Render("Operation "+s.ID))
	field(w, "Kind", s.Kind)
	field(w, "Status", statusStyle(s.Status).Render(string(s.Status)))
	field(w, "Items", counters(s.Counters))
	field(w, "Progress", fmt.Sprintf("%.1f%%", percent(s.Counters)))
	field(w, "Created", s.CreatedAt.Local().Format(time.DateTime))
	field(w, "Updated", s.UpdatedAt.Local().Format(time.DateTime))
	field(w, "Sequence", fmt.Sprint(s.Sequence))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ITEM\tSTATUS\tATTEMPTS\tRESULT")
	for _, item := range s.Items {
		result := item.Output
		if item.Error != "" {
			result = item.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", itemName(item.ID, item.Label), item.Status, item.Attempts, result)
	}
}

func percent(c checkpoint.Counters) float64 {
	return progress.Snapshot{Total: c.Total, Completed: c.Completed, Failed: c.Failed, Skipped: c.Skipped}.Percent()
}
