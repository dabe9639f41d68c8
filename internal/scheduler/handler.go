package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"opsdeck/internal/types"
)

// Result is returned to the Lambda runtime and shows up in the invocation log.
type Result struct {
	Task     TaskType `json:"task"`
	TickID   string   `json:"tick_id,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
	Drivers  int      `json:"drivers,omitempty"`
	Failed   int      `json:"failed,omitempty"`
	Retried  int      `json:"retried,omitempty"`
	Resent   int      `json:"resent,omitempty"`
	Deleted  int64    `json:"deleted,omitempty"`
	Balanced *bool    `json:"balanced,omitempty"`
}

// Handler multiplexes scheduled invocations onto the supervisor and the
// maintenance service.
type Handler struct {
	supervisor  *Supervisor
	maintenance *MaintenanceService
	clock       types.Clock
	logger      *slog.Logger
}

// NewHandler creates a Handler. maintenance may be nil when only ticks are
// scheduled.
func NewHandler(supervisor *Supervisor, maintenance *MaintenanceService, clock types.Clock, logger *slog.Logger) *Handler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{supervisor: supervisor, maintenance: maintenance, clock: clock, logger: logger}
}

// Handle routes p to its task. Driver failures inside a tick are reported in
// the result, not returned, so a single bad workflow does not make the
// scheduler retry the whole invocation.
func (h *Handler) Handle(ctx context.Context, p Payload) (Result, error) {
	task := p.Task
	if task == "" {
		task = TaskTick
	}
	h.logger.InfoContext(ctx, "scheduled task received", "task", string(task))

	switch task {
	case TaskTick:
		report := h.supervisor.Tick(ctx)
		res := Result{
			Task:    task,
			TickID:  report.TickID,
			Skipped: report.Skipped,
			Drivers: len(report.Results),
			Failed:  report.Failed(),
		}
		if report.Retries != nil {
			res.Retried = report.Retries.Due
			res.Resent = report.Retries.Sent
		}
		return res, nil

	case TaskPurge:
		if h.maintenance == nil {
			return Result{Task: task}, types.NewAppError(types.ErrCodeInternalUnexpected, "maintenance not configured", nil)
		}
		now := h.clock.Now()
		if p.ReferenceTime != nil {
			now = p.ReferenceTime.UTC()
		}
		report, err := h.maintenance.Purge(ctx, now)
		var total int64
		for _, n := range report.Deleted {
			total += n
		}
		return Result{Task: task, Deleted: total}, err

	case TaskReconcile:
		if h.maintenance == nil {
			return Result{Task: task}, types.NewAppError(types.ErrCodeInternalUnexpected, "maintenance not configured", nil)
		}
		report, err := h.maintenance.Reconcile(ctx)
		balanced := report.Matches()
		return Result{Task: task, Balanced: &balanced}, err

	default:
		return Result{Task: task}, types.NewAppError(types.ErrCodeValidationTask, fmt.Sprintf("unknown task %q", task), nil)
	}
}
