// Package api exposes the coordination plane over HTTP: the public claim
// protocol, the server-to-server dispense trigger, the device endpoints
// (register, status, confirm, command polling), and admin surfaces.
// Responses carry stable machine-readable error codes so thin clients can
// render busy / expired / wrong-code states distinctly.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/conn"
	"github.com/smartvend/venderd/internal/idem"
	"github.com/smartvend/venderd/internal/models"
	"github.com/smartvend/venderd/internal/notify"
	"github.com/smartvend/venderd/internal/reserve"
	"github.com/smartvend/venderd/internal/storage"
)

// Handler serves the REST surface.
type Handler struct {
	svc      *reserve.Service
	guard    idem.Guard
	notifier *notify.Notifier
	pending  *conn.PendingBuffer
	logger   pslog.Logger
	tracer   trace.Tracer
	lockTTL  time.Duration
}

// Options wires the handler's collaborators.
type Options struct {
	Service  *reserve.Service
	Guard    idem.Guard
	Notifier *notify.Notifier
	Pending  *conn.PendingBuffer
	Logger   pslog.Logger
	LockTTL  time.Duration
}

// NewHandler builds the HTTP handler with all routes registered.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	h := &Handler{
		svc:      opts.Service,
		guard:    opts.Guard,
		notifier: opts.Notifier,
		pending:  opts.Pending,
		logger:   opts.Logger,
		tracer:   otel.Tracer("venderd/api"),
		lockTTL:  opts.LockTTL,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/lock-by-code", h.handleClaim)
	mux.HandleFunc("POST /api/machine/{id}/unlock", h.handleUnlock)
	mux.HandleFunc("POST /api/machine/{id}/trigger-dispense", h.handleTriggerDispense)
	mux.HandleFunc("POST /api/machine/{id}/confirm", h.handleConfirm)
	mux.HandleFunc("POST /api/machine/register", h.handleRegister)
	mux.HandleFunc("GET /api/machine/{id}/status", h.handleDeviceStatus)
	mux.HandleFunc("GET /api/machine/{id}/public-status", h.handlePublicStatus)
	mux.HandleFunc("GET /api/machine/{id}/commands", h.handlePollCommands)
	mux.HandleFunc("POST /api/machine/{id}/stock", h.handleStock)
	mux.HandleFunc("POST /api/machine/{id}/report-error", h.handleReportError)
	mux.HandleFunc("GET /api/machines", h.handleListMachines)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	return mux
}

// ---------- public claim protocol ----------

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "claim")
	defer span.End()

	var req struct {
		HolderID string `json:"holder_id"`
		ClientID string `json:"client_id"` // accepted alias used by older clients
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	holder := req.HolderID
	if holder == "" {
		holder = req.ClientID
	}
	if holder == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "holder_id and code required")
		return
	}
	span.SetAttributes(attribute.String("holder", holder))

	res, err := h.svc.Claim(ctx, holder, req.Code, h.lockTTL)
	if err != nil {
		h.internalError(w, "claim", err)
		return
	}
	claimsTotal.WithLabelValues(string(res.Outcome)).Inc()
	switch res.Outcome {
	case reserve.OutcomeOK:
		if h.notifier != nil {
			h.notifier.Send(ctx, res.MachineID, models.LockMessage(res.ExpiresAt))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"machine_id": res.MachineID,
			"status":     "locked",
			"expires_at": res.ExpiresAt,
		})
	case reserve.OutcomeBusy:
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":       "busy",
			"locked_until": res.LockedUntil,
		})
	case reserve.OutcomeCodeNotFound:
		writeError(w, http.StatusNotFound, "code_not_found")
	default:
		h.internalError(w, "claim", errors.New("unexpected outcome "+string(res.Outcome)))
	}
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	var req struct {
		HolderID string `json:"holder_id"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	holder := req.HolderID
	if holder == "" {
		holder = req.ClientID
	}
	if holder == "" {
		writeError(w, http.StatusBadRequest, "holder_id required")
		return
	}

	res, err := h.svc.Release(r.Context(), machineID, holder)
	if err != nil {
		h.internalError(w, "unlock", err)
		return
	}
	switch res.Outcome {
	case reserve.OutcomeOK:
		if h.notifier != nil {
			h.notifier.Send(r.Context(), machineID, models.UnlockMessage())
			h.notifier.Send(r.Context(), machineID, models.DisplayCodeMessage(res.NewDisplayCode))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "unlocked",
			"new_display_code": res.NewDisplayCode,
		})
	case reserve.OutcomeNoLock:
		writeError(w, http.StatusConflict, "no_lock")
	case reserve.OutcomeNotOwner:
		writeError(w, http.StatusForbidden, "not_owner")
	default:
		h.internalError(w, "unlock", errors.New("unexpected outcome "+string(res.Outcome)))
	}
}

// ---------- dispense trigger (server-to-server, post-payment) ----------

func (h *Handler) handleTriggerDispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "trigger_dispense")
	defer span.End()

	machineID := r.PathValue("id")
	var req struct {
		HolderID      string `json:"holder_id"`
		ClientID      string `json:"client_id"`
		AccessCode    string `json:"access_code"`
		Quantity      int    `json:"quantity"`
		TransactionID string `json:"transaction_id"`
		Amount        int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	holder := req.HolderID
	if holder == "" {
		holder = req.ClientID
	}
	if holder == "" || req.AccessCode == "" || req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "holder_id, access_code and transaction_id required")
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	span.SetAttributes(
		attribute.String("machine", machineID),
		attribute.String("tx", req.TransactionID),
	)

	// The guard runs before the reservation store is touched. A duplicate is
	// a distinct outcome, not an error.
	duplicate, err := h.guard.Check(ctx, req.TransactionID)
	if err != nil {
		h.internalError(w, "trigger_dispense", err)
		return
	}
	if duplicate {
		dispensesTotal.WithLabelValues(string(reserve.OutcomeDuplicate)).Inc()
		writeJSON(w, http.StatusConflict, map[string]any{"status": "duplicate"})
		return
	}

	res, err := h.svc.Dispense(ctx, machineID, holder, req.AccessCode, req.Quantity, req.TransactionID, req.Amount)
	if err != nil {
		// The trigger did not take effect; let the caller retry with the
		// same transaction id.
		if ferr := h.guard.Forget(ctx, req.TransactionID); ferr != nil {
			h.logger.Warn("api.guard_forget_failed", "tx", req.TransactionID, "error", ferr)
		}
		h.internalError(w, "trigger_dispense", err)
		return
	}
	dispensesTotal.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != reserve.OutcomeOK && res.Outcome != reserve.OutcomeDuplicate {
		if ferr := h.guard.Forget(ctx, req.TransactionID); ferr != nil {
			h.logger.Warn("api.guard_forget_failed", "tx", req.TransactionID, "error", ferr)
		}
	}
	switch res.Outcome {
	case reserve.OutcomeOK:
		if h.notifier != nil {
			h.notifier.Send(ctx, machineID, models.DispenseCommand(req.Quantity, req.TransactionID))
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "dispatch_sent"})
	case reserve.OutcomeDuplicate:
		writeJSON(w, http.StatusConflict, map[string]any{"status": "duplicate"})
	case reserve.OutcomeNoLock:
		writeError(w, http.StatusConflict, "no_lock")
	case reserve.OutcomeExpired:
		writeError(w, http.StatusConflict, "expired")
	case reserve.OutcomeNotOwner:
		writeError(w, http.StatusForbidden, "not_owner")
	case reserve.OutcomeAccessMismatch:
		writeError(w, http.StatusForbidden, "access_mismatch")
	default:
		h.internalError(w, "trigger_dispense", errors.New("unexpected outcome "+string(res.Outcome)))
	}
}

// ---------- device endpoints ----------

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "confirm")
	defer span.End()

	machineID := r.PathValue("id")
	if !h.authDevice(w, r, machineID) {
		return
	}
	var req struct {
		TransactionID string `json:"transaction_id"`
		Dispensed     int    `json:"dispensed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id required")
		return
	}

	res, err := h.svc.Confirm(ctx, machineID, req.TransactionID, req.Dispensed)
	if err != nil {
		h.internalError(w, "confirm", err)
		return
	}
	confirmsTotal.WithLabelValues(string(res.Outcome)).Inc()
	switch res.Outcome {
	case reserve.OutcomeOK:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "confirmed",
			"dispensed":        req.Dispensed,
			"stock":            res.Stock,
			"new_display_code": res.NewDisplayCode,
		})
	case reserve.OutcomeTxNotFound:
		writeError(w, http.StatusBadRequest, "tx_not_found")
	default:
		h.internalError(w, "confirm", errors.New("unexpected outcome "+string(res.Outcome)))
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID  string `json:"machine_id"`
		Credential string `json:"credential"`
		APIKey     string `json:"api_key"` // legacy field name from early firmware
		Stock      int    `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id required")
		return
	}
	credential := req.Credential
	if credential == "" {
		credential = req.APIKey
	}

	res, err := h.svc.RegisterMachine(r.Context(), req.MachineID, credential, req.Stock)
	if err != nil {
		h.internalError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "ok",
		"machine_id":              req.MachineID,
		"display_code":            res.Code,
		"display_code_expires_at": res.ExpiresAt,
	})
}

func (h *Handler) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	credential, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_authorization")
		return
	}
	status, err := h.svc.DeviceStatus(r.Context(), machineID, credential)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if err != nil {
		h.internalError(w, "device_status", err)
		return
	}
	// Status polls double as liveness signals.
	if err := h.svc.Heartbeat(r.Context(), machineID); err != nil {
		h.logger.Warn("api.heartbeat_failed", "machine", machineID, "error", err)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handlePublicStatus(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	clientID := r.URL.Query().Get("client_id")
	status, err := h.svc.Status(r.Context(), machineID, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "machine_not_found")
		return
	}
	if err != nil {
		h.internalError(w, "public_status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handlePollCommands is the fallback for machines without a live transport
// connection: drain and return every buffered command payload.
func (h *Handler) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	if !h.authDevice(w, r, machineID) {
		return
	}
	var payloads []json.RawMessage
	if h.pending != nil {
		payloads = h.pending.Drain(machineID)
	}
	if payloads == nil {
		payloads = []json.RawMessage{}
	}
	if err := h.svc.Heartbeat(r.Context(), machineID); err != nil {
		h.logger.Warn("api.heartbeat_failed", "machine", machineID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": payloads})
}

func (h *Handler) handleReportError(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	if !h.authDevice(w, r, machineID) {
		return
	}
	var req struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	h.logger.Warn("api.machine_error", "machine", machineID, "report", req.Error)
	writeJSON(w, http.StatusOK, map[string]string{"message": "error logged"})
}

// ---------- admin ----------

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	var req struct {
		Stock int `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := h.svc.Refill(r.Context(), machineID, req.Stock); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine_not_found")
			return
		}
		h.internalError(w, "stock", err)
		return
	}
	if h.notifier != nil {
		h.notifier.Send(r.Context(), machineID, models.StockUpdateMessage(req.Stock))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stock": req.Stock})
}

func (h *Handler) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.svc.Machines(r.Context())
	if err != nil {
		h.internalError(w, "list_machines", err)
		return
	}
	type row struct {
		MachineID    string    `json:"machine_id"`
		Status       string    `json:"status"`
		CurrentStock int       `json:"current_stock"`
		LastSeenAt   time.Time `json:"last_seen_at"`
	}
	out := make([]row, 0, len(machines))
	for _, m := range machines {
		out = append(out, row{
			MachineID:    m.ID,
			Status:       m.Status,
			CurrentStock: m.CurrentStock,
			LastSeenAt:   m.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": out})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------- helpers ----------

// authDevice enforces the machine credential on device endpoints.
func (h *Handler) authDevice(w http.ResponseWriter, r *http.Request, machineID string) bool {
	credential, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_authorization")
		return false
	}
	valid, err := h.svc.VerifyCredential(r.Context(), machineID, credential)
	if err != nil {
		h.internalError(w, "auth", err)
		return false
	}
	if !valid {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("api.internal_error", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
