package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// summaryCmd builds the model and prints its structure
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Build the model and print parameters, FLOPs and stage shapes",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	eng, err := newEngine(cfg.Runtime.Device, logger)
	if err != nil {
		return err
	}
	defer eng.Release()

	s, err := eng.Summary(cfg.Model)
	if err != nil {
		return err
	}
	logger.Info("model built",
		zap.String("device", eng.Name()),
		zap.Int("parameters", s.Parameters),
		zap.Int64("flops", s.FLOPs))

	return writeSummary(cmd.OutOrStdout(), s)
}

// writeSummary renders the summary as an aligned table.
func writeSummary(w io.Writer, s *modelSummary) error {
	headers := []string{"Stage", "Output shape"}
	rows := make([][]string, 0, len(s.Stages))
	for _, st := range s.Stages {
		rows = append(rows, []string{st.Name, fmt.Sprint([]int(st.Shape))})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for i := range widths {
		widths[i] += 2 // padding
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Model))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "parameters: %s\n", formatCount(int64(s.Parameters)))
	fmt.Fprintf(&sb, "FLOPs:      %s\n\n", formatCount(s.FLOPs))

	renderRow := func(cells []string, style lipgloss.Style) {
		for i, cell := range cells {
			sb.WriteString(style.Width(widths[i]).Render(cell))
			if i < len(cells)-1 {
				sb.WriteString(mutedStyle.Render("|"))
			}
		}
		sb.WriteString("\n")
	}
	renderRow(headers, headerStyle)
	total := len(headers) - 1
	for _, w := range widths {
		total += w
	}
	sb.WriteString(mutedStyle.Render(strings.Repeat("-", total)))
	sb.WriteString("\n")
	for _, row := range rows {
		renderRow(row, cellStyle)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// formatCount renders n with an SI suffix, e.g. 15.2M.
func formatCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fG", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	default:
		return fmt.Sprint(n)
	}
}
