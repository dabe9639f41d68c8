package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"opsdeck/internal/billing"
	"opsdeck/internal/types"
)

// healthCheckTimeout bounds all checks together.
const healthCheckTimeout = 2 * time.Second

// maxWebhookBody caps the Stripe payload read.
const maxWebhookBody = 64 << 10

// HealthCheck is one dependency checked by /healthz.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (p CheckFunc) Name() string                    { return p.Label }
func (p CheckFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// TickCheck fails when no tick has completed for three intervals since start.
type TickCheck struct {
	Ticks interface {
		LastTick() time.Time
		Interval() time.Duration
	}
	Started time.Time
	Clock   types.Clock
}

func (TickCheck) Name() string { return "scheduler" }

func (p TickCheck) Check(context.Context) error {
	clock := p.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	limit := 3 * p.Ticks.Interval()
	last := p.Ticks.LastTick()
	if last.IsZero() {
		last = p.Started
	}
	if age := clock.Now().Sub(last); age > limit {
		return fmt.Errorf("no tick completed for %s", age.Truncate(time.Second))
	}
	return nil
}

// BalanceReader is satisfied by *billing.Ledger.
type BalanceReader interface {
	Balance(ctx context.Context) (*types.BillingAccount, error)
}

// WebhookHandler is satisfied by *billing.StripeTopUps.
type WebhookHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (billing.WebhookOutcome, error)
}

// OpsServer is the small HTTP surface of the long-running process: health,
// metrics, a balance read and, when configured, the Stripe top-up webhook.
type OpsServer struct {
	Checks   []HealthCheck
	Metrics  http.Handler
	Balance  BalanceReader
	Webhooks WebhookHandler
	Logger   *slog.Logger
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// Router mounts the routes on a chi mux.
func (s *OpsServer) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Get("/healthz", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	if s.Balance != nil {
		r.Get("/billing/balance", s.handleBalance)
	}
	if s.Webhooks != nil {
		r.Post("/webhooks/stripe", s.handleStripe)
	}
	return r
}

func (s *OpsServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.Logger.ErrorContext(r.Context(), "ops handler panicked",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody(types.ErrCodeInternalUnexpected, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.Checks) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(s.Checks))
	)
	for _, check := range s.Checks {
		wg.Add(1)
		go func(p HealthCheck) {
			defer wg.Done()
			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("check panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(check)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(s.Checks))}
	for _, check := range s.Checks {
		name := check.Name()
		err, finished := results[name]
		switch {
		case !finished:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[name] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type balanceResponse struct {
	AccountKey    string     `json:"account_key"`
	Currency      string     `json:"currency"`
	BalanceCents  int64      `json:"balance_cents"`
	SpentCents    int64      `json:"spent_cents"`
	LastChargedAt *time.Time `json:"last_charged_at,omitempty"`
}

func (s *OpsServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Balance.Balance(r.Context())
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "balance read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(types.CodeOf(err), "failed to read balance"))
		return
	}
	if acct == nil {
		writeJSON(w, http.StatusNotFound, errorBody(types.ErrCodeNotFoundAccount, "billing account not created yet"))
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountKey:    acct.AccountKey,
		Currency:      acct.Currency,
		BalanceCents:  acct.BalanceCents,
		SpentCents:    acct.SpentCents,
		LastChargedAt: acct.LastChargedAt,
	})
}

func (s *OpsServer) handleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(types.ErrCodeValidationMissing, "failed to read body"))
		return
	}
	out, err := s.Webhooks.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status := http.StatusInternalServerError
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code.IsValidation() {
			status = http.StatusBadRequest
		}
		s.Logger.WarnContext(r.Context(), "stripe webhook rejected", "error", err, "status", status)
		writeJSON(w, status, errorBody(types.CodeOf(err), "webhook not applied"))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func errorBody(code types.ErrorCode, msg string) map[string]string {
	return map[string]string{"code": string(code), "message": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
