// Package report renders a stored or finished session as a terminal audiogram
// summary.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/rewired-gh/audiometer/internal/models"
)

// Theme defines the report colors.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Warn    lipgloss.Color
	Alert   lipgloss.Color
}

var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00afd7"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#d7af00"),
	Alert:   lipgloss.Color("#d70000"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Border lipgloss.Style
	Dim    lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Risk   map[models.RiskCategory]lipgloss.Style
}

func NewStyles(t Theme) Styles {
	base := lipgloss.NewStyle().Bold(true)
	return Styles{
		Title:  base.Foreground(t.Primary).Padding(0, 1),
		Label:  base.Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
		Header: base.Foreground(t.Primary).Padding(0, 1),
		Cell:   lipgloss.NewStyle().Padding(0, 1),
		Risk: map[models.RiskCategory]lipgloss.Style{
			models.RiskLow:      base.Foreground(t.Primary),
			models.RiskModerate: base.Foreground(t.Warn),
			models.RiskHigh:     base.Foreground(t.Alert),
			models.RiskVeryHigh: base.Foreground(t.Alert).Underline(true),
		},
	}
}

// Options controls optional report sections.
type Options struct {
	Styles Styles
	// DecisionLog appends the rationale of every decision.
	DecisionLog bool
}

func DefaultOptions() Options {
	return Options{Styles: NewStyles(DefaultTheme)}
}

// Render builds the full report.
func Render(s *models.SessionState, opts Options) string {
	st := opts.Styles
	sections := []string{
		header(s, st),
		audiogram(s, st),
		risk(s, st),
		reliability(s, st),
	}
	if opts.DecisionLog {
		sections = append(sections, decisions(s, st))
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(st.Border.GetForeground()).
		Padding(0, 1)
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func header(s *models.SessionState, st Styles) string {
	title := st.Title.Render("Session "+s.ID) + " " + st.Dim.Render("["+string(s.Status)+"]")
	lines := []string{title}
	if !s.StartedAt.IsZero() {
		line := "Started " + s.StartedAt.Format("2006-01-02 15:04:05")
		if !s.EndedAt.IsZero() {
			line += fmt.Sprintf(", took %s", s.EndedAt.Sub(s.StartedAt).Round(time.Second))
		}
		lines = append(lines, st.Dim.Render(line))
	}
	lines = append(lines, st.Dim.Render(fmt.Sprintf("Seed %d, %d trials", s.Seed, len(s.Trials))))
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

func audiogram(s *models.SessionState, st Styles) string {
	ears := []models.Ear{models.EarRight, models.EarLeft}
	rows := [][]string{}
	for _, hz := range frequencies(s) {
		row := []string{FormatHz(hz)}
		for _, ear := range ears {
			row = append(row, ThresholdCell(s.Frequency(ear, hz)))
		}
		rows = append(rows, row)
	}
	pta := []string{"PTA"}
	for _, ear := range ears {
		pta = append(pta, PTACell(s, ear))
	}
	rows = append(rows, pta)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(st.Border).
		Headers("Frequency", "Right", "Left").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.Header
			}
			return st.Cell
		})
	return st.Label.Render("Audiogram (dB HL)") + "\n" + t.Render() + "\n"
}

func frequencies(s *models.SessionState) []int {
	seen := map[int]bool{}
	var out []int
	for _, f := range s.Frequencies {
		if !seen[f.FrequencyHz] {
			seen[f.FrequencyHz] = true
			out = append(out, f.FrequencyHz)
		}
	}
	sort.Ints(out)
	return out
}

// FormatHz prints 1000 as "1 kHz" and 750 as "750 Hz".
func FormatHz(hz int) string {
	if hz >= 1000 {
		if hz%1000 == 0 {
			return fmt.Sprintf("%d kHz", hz/1000)
		}
		return fmt.Sprintf("%.1f kHz", float64(hz)/1000)
	}
	return fmt.Sprintf("%d Hz", hz)
}

// ThresholdCell describes one pair's outcome for the audiogram table.
func ThresholdCell(f *models.PerFrequencyState) string {
	if f == nil {
		return "-"
	}
	switch f.Status {
	case models.StatusThresholdConfirmed:
		cell := fmt.Sprintf("%d", *f.Threshold)
		if f.RetestThreshold != nil {
			cell += fmt.Sprintf(" (retest %d)", *f.RetestThreshold)
		}
		return cell
	case models.StatusAbandoned:
		return "no threshold"
	case models.StatusNotTested:
		return "not tested"
	default:
		return "in progress"
	}
}

// PTACell formats the pure-tone average with its hearing loss degree.
func PTACell(s *models.SessionState, ear models.Ear) string {
	pta, ok := s.PureToneAverage(ear)
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.1f %s", pta, Degree(pta))
}

// Degree grades a pure-tone average.
func Degree(pta float64) string {
	switch {
	case pta <= 25:
		return "normal"
	case pta <= 40:
		return "mild"
	case pta <= 55:
		return "moderate"
	case pta <= 70:
		return "moderately severe"
	case pta <= 90:
		return "severe"
	default:
		return "profound"
	}
}

func risk(s *models.SessionState, st Styles) string {
	a, ok := s.LatestRisk()
	if !ok {
		return st.Label.Render("Malingering risk") + "\n" + st.Dim.Render("not assessed") + "\n"
	}
	var b strings.Builder
	b.WriteString(st.Label.Render("Malingering risk") + " ")
	b.WriteString(st.Risk[a.Category].Render(a.Category.String()))
	fmt.Fprintf(&b, " score %.1f", a.Score)
	if a.Category != a.BaseCategory {
		fmt.Fprintf(&b, " (base %s)", a.BaseCategory)
	}
	b.WriteString("\n")

	for _, f := range a.ContributingFactors {
		fmt.Fprintf(&b, "  %-28s %5.1f x %.2f = %5.2f", f.Name, f.Score, f.Weight, f.Weighted)
		if f.Detail != "" {
			b.WriteString("  " + st.Dim.Render(f.Detail))
		}
		b.WriteString("\n")
	}
	for _, e := range a.Escalations {
		b.WriteString("  escalated: " + e + "\n")
	}
	return b.String()
}

func reliability(s *models.SessionState, st Styles) string {
	c, r := s.CatchSummary, s.Reliability
	lines := []string{
		st.Label.Render("Reliability"),
		fmt.Sprintf("  catch trials  %d/%d false positives (%.0f%%)", c.FalsePositives, c.CatchTrialsPresented, 100*c.FalsePositiveRate),
		fmt.Sprintf("  probes        %d/%d missed (%.0f%%)", c.ProbeMisses, c.ProbesPresented, 100*c.FalseNegativeRate),
		fmt.Sprintf("  timing        %d responses, %.0f%% valid, %.0f%% anticipatory", r.ResponseCount, 100*r.ValidFraction(), 100*r.AnticipatoryFraction),
	}
	if r.FatigueDetected {
		lines = append(lines, fmt.Sprintf("  fatigue       moving average %.0f ms vs baseline %.0f ms", r.MovingAverageMs, r.BaselineMs))
	}
	if r.UniformLatencies {
		lines = append(lines, "  latencies are implausibly uniform")
	}
	return strings.Join(lines, "\n") + "\n"
}

func decisions(s *models.SessionState, st Styles) string {
	lines := []string{st.Label.Render("Decision log")}
	for _, e := range s.DecisionLog {
		lines = append(lines, fmt.Sprintf("  %4d %s %s", e.Seq, st.Dim.Render("["+e.Source+"]"), e.Rationale))
	}
	return strings.Join(lines, "\n")
}

// SessionTable renders a listing of stored sessions. Each row holds ID,
// status, start, duration and risk.
func SessionTable(rows [][]string, st Styles) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.Border).
		Headers("ID", "Status", "Started", "Duration", "Risk").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.Header
			}
			return st.Cell
		}).
		Render()
}
