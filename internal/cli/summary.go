package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fixentropy-io/daggerverse/pkg/pipeline"
)

// renderSummary writes one line per executed step followed by the outcome
// of the run.
func renderSummary(w io.Writer, res *pipeline.Result, runErr error) error {
	r := lipgloss.NewRenderer(w)

	var (
		checkMark = r.NewStyle().Foreground(lipgloss.Color("42")).SetString("✓")
		errorMark = r.NewStyle().Foreground(lipgloss.Color("196")).SetString("✗")
		nameStyle = r.NewStyle().Width(longestStep(res.Steps) + 2)
		faint     = r.NewStyle().Faint(true)
		bold      = r.NewStyle().Bold(true)
	)

	var sb strings.Builder
	for _, s := range res.Steps {
		mark := checkMark
		if s.Failed {
			mark = errorMark
		}
		fmt.Fprintf(&sb, "%s %s%s\n", mark, nameStyle.Render(s.Name), faint.Render(s.Duration.Round(time.Millisecond).String()))
	}

	switch {
	case runErr == nil && res.Package != "":
		fmt.Fprintf(&sb, "%s %s@%s\n", bold.Render("published"), res.Package, res.Version)
	case runErr == nil:
		fmt.Fprintf(&sb, "%s %s\n", bold.Render("passed"), res.Entry)
	case res.FailedStep != "":
		fmt.Fprintf(&sb, "%s %s\n", bold.Render("failed at"), res.FailedStep)
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

func longestStep(steps []pipeline.StepRecord) int {
	n := 0
	for _, s := range steps {
		n = max(n, lipgloss.Width(s.Name))
	}

	return n
}
