package workflows

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/types"
)

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		DailyBriefingHour:   8,
		WeeklyReportWeekday: time.Monday,
		WeeklyReportHour:    9,
		MintAlertLookback:   2 * time.Hour,
		DashboardURL:        "https://dash.opsdeck.dev/",
	}
}

// snapshot decodes JSON the way the snapshot repository hands it over.
func snapshot(t *testing.T, raw string) types.Details {
	t.Helper()
	var d types.Details
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

func byKey(t *testing.T, key string) Definition {
	t.Helper()
	for _, def := range Catalog(testWorkflowConfig()) {
		if def.Key == key {
			return def
		}
	}
	t.Fatalf("no workflow %q", key)
	return Definition{}
}

func TestCatalog_Schedules(t *testing.T) {
	defs := Catalog(testWorkflowConfig())
	require.Len(t, defs, 3)
	assert.Equal(t, DailyAt{Hour: 8}, defs[0].Schedule)
	assert.Equal(t, Hourly{}, defs[1].Schedule)
	assert.Equal(t, 2*time.Hour, defs[1].Lookback)
	assert.Equal(t, Weekly{Weekday: time.Monday, Hour: 9}, defs[2].Schedule)
}

func TestDailyBriefing(t *testing.T) {
	def := byKey(t, DailyBriefingEmail)
	assert.True(t, def.IsEmpty(snapshot(t, `{"tasks":[],"alerts":[]}`)))

	snap := snapshot(t, `{
		"summary": "Quiet day.",
		"tasks": [{"title":"Claim testnet faucet"},{"title":"Bridge to L2"}],
		"alerts": [{"message":"Gas above 40 gwei"}]
	}`)
	require.False(t, def.IsEmpty(snap))

	msg := def.Compose("2026-03-02", snap)
	assert.Equal(t, "Daily briefing for Mon, Mar 2", msg.Title)
	assert.Equal(t, "Quiet day.\n\nTasks due (2):\n- Claim testnet faucet\n- Bridge to L2\n\nAlerts (1):\n- Gas above 40 gwei", msg.Body)
	assert.Equal(t, "https://dash.opsdeck.dev/briefing", msg.URL)
}

func TestMintAlerts(t *testing.T) {
	def := byKey(t, MintAlerts)
	assert.True(t, def.IsEmpty(snapshot(t, `{}`)))

	snap := snapshot(t, `{"upcoming_mints":[
		{"name":"Genesis Pass","chain":"base","starts_at":"2026-03-02T14:00:00Z"},
		{"name":"a"},{"name":"b"},{"name":"c"},{"name":"d"},{"name":"e"}
	]}`)
	msg := def.Compose("2026-03-02T08", snap)
	assert.Equal(t, "6 upcoming mints", msg.Title)
	assert.Contains(t, msg.Body, "- Genesis Pass (base) at 14:00 UTC")
	assert.Contains(t, msg.Body, "and 1 more")
	assert.NotContains(t, msg.Body, "- e")
	assert.Equal(t, 6, msg.Data["count"])

	one := def.Compose("2026-03-02T08", snapshot(t, `{"upcoming_mints":[{"name":"x"}]}`))
	assert.Equal(t, "1 upcoming mint", one.Title)
}

func TestWeeklyReport(t *testing.T) {
	def := byKey(t, WeeklyFarmingReport)
	assert.True(t, def.IsEmpty(snapshot(t, `{"projects":[],"tasks_completed":0}`)))

	snap := snapshot(t, `{"projects":[{"name":"zkSync"},{"name":"Scroll"}],"tasks_completed":14,"spent_cents":1234}`)
	require.False(t, def.IsEmpty(snap))

	msg := def.Compose("2026-W10", snap)
	assert.Equal(t, "Weekly farming report 2026-W10", msg.Title)
	assert.Equal(t, "14 tasks completed across 2 projects.\n\nSpent this week: $12.34\n\nMost active (2):\n- zkSync\n- Scroll", msg.Body)
	assert.Equal(t, "2026-W10", msg.Data["week"])
}

func TestCatalog_NoDashboardURL(t *testing.T) {
	cfg := testWorkflowConfig()
	cfg.DashboardURL = ""
	msg := Catalog(cfg)[1].Compose("k", types.Details{"upcoming_mints": []any{map[string]any{"name": "x"}}})
	assert.Empty(t, msg.URL)
}
