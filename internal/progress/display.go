package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	barStyle     = lipgloss.NewStyle().Foreground(successColor)
	failedStyle  = lipgloss.NewStyle().Foreground(errorColor)
	skippedStyle = lipgloss.NewStyle().Foreground(warningColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

const maxInFlightLabels = 3

// Display renders snapshots to a writer. On a terminal the line is
// redrawn in place; otherwise each snapshot is printed on its own line.
type Display struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	barWidth    int
	lastWidth   int
	drawn       bool
}

// NewDisplay creates a display writing to out
func NewDisplay(out io.Writer, interactive bool) *Display {
	return &Display{out: out, interactive: interactive, barWidth: 30}
}

// Update renders s. It is safe to pass as a Tracker callback.
func (d *Display) Update(s Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.interactive {
		fmt.Fprintln(d.out, Line(s, d.barWidth))
		return
	}

	line := d.styledLine(s)
	width := lipgloss.Width(line)
	pad := ""
	if d.lastWidth > width {
		pad = strings.Repeat(" ", d.lastWidth-width)
	}
	fmt.Fprint(d.out, "\r"+line+pad)
	d.lastWidth = width
	d.drawn = true
}

// Finish terminates an in-place line
func (d *Display) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interactive && d.drawn {
		fmt.Fprintln(d.out)
		d.drawn = false
		d.lastWidth = 0
	}
}

func (d *Display) styledLine(s Snapshot) string {
	parts := []string{
		barStyle.Render(progressBar(s.Percent(), d.barWidth)),
		fmt.Sprintf("%5.1f%% %d/%d", s.Percent(), s.Done(), s.Total),
		fmt.Sprintf("ok %d", s.Completed),
		failedStyle.Render(fmt.Sprintf("failed %d", s.Failed)),
		skippedStyle.Render(fmt.Sprintf("skipped %d", s.Skipped)),
	}
	if tail := detail(s); tail != "" {
		parts = append(parts, mutedStyle.Render(tail))
	}
	return strings.Join(parts, "  ")
}

// Line renders s as a single unstyled line
func Line(s Snapshot, barWidth int) string {
	parts := []string{
		progressBar(s.Percent(), barWidth),
		fmt.Sprintf("%5.1f%% %d/%d", s.Percent(), s.Done(), s.Total),
		fmt.Sprintf("ok %d", s.Completed),
		fmt.Sprintf("failed %d", s.Failed),
		fmt.Sprintf("skipped %d", s.Skipped),
	}
	if tail := detail(s); tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, "  ")
}

func detail(s Snapshot) string {
	var parts []string
	if s.TotalBytes > 0 {
		parts = append(parts, fmt.Sprintf("%s/%s %s",
			FormatBytes(s.ProcessedBytes), FormatBytes(s.TotalBytes), FormatSpeed(s.CurrentSpeed)))
	}
	if n := len(s.InFlight); n > 0 {
		shown := s.InFlight
		if n > maxInFlightLabels {
			shown = shown[:maxInFlightLabels]
		}
		text := fmt.Sprintf("in flight: %s", strings.Join(shown, ", "))
		if n > maxInFlightLabels {
			text += fmt.Sprintf(" +%d", n-maxInFlightLabels)
		}
		parts = append(parts, text)
	}
	if s.ETA > 0 {
		parts = append(parts, "ETA "+FormatDuration(s.ETA))
	}
	return strings.Join(parts, "  ")
}

// progressBar generates a visual progress bar
func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// IsTerminalSupported checks whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
