package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/api/middleware"
	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/poller"
)

// CycleRunner is the part of poller.Poller the ops API drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (poller.CycleSummary, error)
	LastSummary() (poller.CycleSummary, bool)
}

// RulesSource reports the processing rules currently in effect.
type RulesSource interface {
	Rules() config.ProcessingRules
}

// PollHandler handles poll-cycle endpoints.
type PollHandler struct {
	runner CycleRunner
	rules  RulesSource
}

// NewPollHandler creates a new poll handler. rules may be nil.
func NewPollHandler(runner CycleRunner, rules RulesSource) *PollHandler {
	return &PollHandler{
		runner: runner,
		rules:  rules,
	}
}

// TriggerPoll handles POST /api/poll. The cycle runs detached from the
// request so a disconnecting client does not cut a file short.
func (h *PollHandler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	log := logger.FromContext(ctx)

	summary, err := h.runner.RunCycle(ctx)
	if errors.Is(err, poller.ErrCycleInProgress) {
		middleware.WriteError(w, http.StatusConflict, "A poll cycle is already running")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Triggered poll cycle failed")
		middleware.WriteError(w, http.StatusBadGateway, "Poll cycle failed: "+err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}

// Status handles GET /api/status
func (h *PollHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"time":       time.Now().UTC().Format(time.RFC3339),
		"last_cycle": nil,
	}
	if last, ok := h.runner.LastSummary(); ok {
		resp["last_cycle"] = last
	}
	if h.rules != nil {
		rules := h.rules.Rules()
		resp["rules"] = map[string]interface{}{
			"enable_beta_features":    rules.EnableBetaFeatures,
			"reject_negative_amounts": rules.RejectNegativeAmounts,
		}
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
