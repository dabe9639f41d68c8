package workflows

import (
	"fmt"
	"strings"
	"time"

	"opsdeck/internal/config"
	"opsdeck/internal/types"
)

// Workflow keys.
const (
	DailyBriefingEmail  = "daily_briefing_email"
	MintAlerts          = "mint_alerts"
	WeeklyFarmingReport = "weekly_farming_report"
)

// maxListed caps how many items of a list are spelled out in a message.
const maxListed = 5

// Catalog returns the built-in workflows with schedules taken from cfg.
func Catalog(cfg config.WorkflowConfig) []Definition {
	dash := strings.TrimSuffix(cfg.DashboardURL, "/")
	link := func(path string) string {
		if dash == "" {
			return ""
		}
		return dash + path
	}

	return []Definition{
		{
			Key:      DailyBriefingEmail,
			Schedule: DailyAt{Hour: cfg.DailyBriefingHour},
			Lookback: 24 * time.Hour,
			IsEmpty: func(s types.Details) bool {
				return len(list(s, "tasks")) == 0 && len(list(s, "alerts")) == 0 &&
					len(list(s, "mints")) == 0 && str(s, "summary") == ""
			},
			Compose: func(runKey string, s types.Details) types.Message {
				return composeDailyBriefing(runKey, s, link("/briefing"))
			},
		},
		{
			Key:      MintAlerts,
			Schedule: Hourly{},
			Lookback: cfg.MintAlertLookback,
			IsEmpty: func(s types.Details) bool {
				return len(list(s, "upcoming_mints")) == 0
			},
			Compose: func(runKey string, s types.Details) types.Message {
				return composeMintAlerts(s, link("/mints"))
			},
		},
		{
			Key:      WeeklyFarmingReport,
			Schedule: Weekly{Weekday: cfg.WeeklyReportWeekday, Hour: cfg.WeeklyReportHour},
			Lookback: 7 * 24 * time.Hour,
			IsEmpty: func(s types.Details) bool {
				return len(list(s, "projects")) == 0 && num(s, "tasks_completed") == 0
			},
			Compose: func(runKey string, s types.Details) types.Message {
				return composeWeeklyReport(runKey, s, link("/reports/weekly"))
			},
		},
	}
}

func composeDailyBriefing(runKey string, s types.Details, url string) types.Message {
	title := "Daily briefing for " + runKey
	if day, err := time.Parse(time.DateOnly, runKey); err == nil {
		title = "Daily briefing for " + day.Format("Mon, Jan 2")
	}

	var sections []string
	if summary := str(s, "summary"); summary != "" {
		sections = append(sections, summary)
	}
	sections = appendSection(sections, "Tasks due", list(s, "tasks"), "title")
	sections = appendSection(sections, "Alerts", list(s, "alerts"), "message")
	sections = appendSection(sections, "Mints today", list(s, "mints"), "name")

	return types.Message{
		Title: title,
		Body:  strings.Join(sections, "\n\n"),
		URL:   url,
		Data:  map[string]any{"workflow": DailyBriefingEmail},
	}
}

func composeMintAlerts(s types.Details, url string) types.Message {
	mints := list(s, "upcoming_mints")
	title := "1 upcoming mint"
	if len(mints) != 1 {
		title = fmt.Sprintf("%d upcoming mints", len(mints))
	}

	lines := make([]string, 0, min(len(mints), maxListed)+1)
	for _, m := range mints[:min(len(mints), maxListed)] {
		line := str(m, "name")
		if chain := str(m, "chain"); chain != "" {
			line += " (" + chain + ")"
		}
		if startsAt := str(m, "starts_at"); startsAt != "" {
			if ts, err := time.Parse(time.RFC3339, startsAt); err == nil {
				startsAt = ts.UTC().Format("15:04 UTC")
			}
			line += " at " + startsAt
		}
		lines = append(lines, "- "+line)
	}
	if extra := len(mints) - maxListed; extra > 0 {
		lines = append(lines, fmt.Sprintf("and %d more", extra))
	}

	return types.Message{
		Title: title,
		Body:  strings.Join(lines, "\n"),
		URL:   url,
		Data:  map[string]any{"workflow": MintAlerts, "count": len(mints)},
	}
}

func composeWeeklyReport(runKey string, s types.Details, url string) types.Message {
	projects := list(s, "projects")
	completed := num(s, "tasks_completed")

	sections := []string{fmt.Sprintf("%d tasks completed across %d projects.", int64(completed), len(projects))}
	if spent := num(s, "spent_cents"); spent > 0 {
		sections = append(sections, fmt.Sprintf("Spent this week: %s", formatCents(int64(spent))))
	}
	sections = appendSection(sections, "Most active", projects, "name")

	return types.Message{
		Title: "Weekly farming report " + runKey,
		Body:  strings.Join(sections, "\n\n"),
		URL:   url,
		Data:  map[string]any{"workflow": WeeklyFarmingReport, "week": runKey},
	}
}

func appendSection(sections []string, heading string, items []map[string]any, field string) []string {
	if len(items) == 0 {
		return sections
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):", heading, len(items))
	for _, it := range items[:min(len(items), maxListed)] {
		b.WriteString("\n- ")
		b.WriteString(str(it, field))
	}
	if extra := len(items) - maxListed; extra > 0 {
		fmt.Fprintf(&b, "\nand %d more", extra)
	}
	return append(sections, b.String())
}

func formatCents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}

// Snapshot accessors. The snapshot is decoded JSON, so lists arrive as []any
// of map[string]any and numbers as float64.

func list(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(map[string]any); ok {
			out = append(out, item)
		}
	}
	return out
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
