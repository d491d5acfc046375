/*
handlers.go - operational HTTP handlers

PURPOSE:
  Implements the operational surface: a liveness probe and two debug
  endpoints for inspecting ledger history and the event bus's
  dead-letter queue. There is deliberately no business API here (create
  lease, attempt payment, early payoff) — Service, PaymentExecutor, and
  LifecycleCoordinator are exercised directly by embedding callers and
  by tests, not through this router.
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
)

// Handler holds the dependencies the operational endpoints read from.
type Handler struct {
	Store lease.TxStore
	Bus   *core.Bus
}

func NewHandler(store lease.TxStore, bus *core.Bus) *Handler {
	return &Handler{Store: store, Bus: bus}
}

// Healthz reports liveness. It deliberately does not probe the store: a
// slow or unavailable database should show up as failing requests, not
// as a failing liveness probe that gets the process killed underneath
// in-flight work.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DebugLeaseLedger dumps a lease's full ledger history in sequence
// order, for manual inspection during development.
func (h *Handler) DebugLeaseLedger(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "leaseId")
	leaseID, err := core.ParseLeaseID(idParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, &core.ValidationError{Field: "leaseId", Reason: "not a valid UUID"})
		return
	}

	rows, err := h.Store.LeaseHistory(r.Context(), leaseID, 0, 0)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// DebugDLQ lists the event bus's current dead-letter queue, most recent
// entries last, matching Bus.DLQList's own ordering.
func (h *Handler) DebugDLQ(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Bus.DLQList(0))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a domain error to its HTTP status, following the
// IsNotFound/IsClientError predicates in core/errors.go.
func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
