/**
 * @description
 * This file contains the HTTP handlers for the stream-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. Money fields
 * in request bodies are decimal strings ("2500.00", "0.000772") parsed into exact
 * micro-units; floats never cross the wire.
 *
 * Mutating endpoints read an optional Idempotency-Key header so callers can retry
 * safely after a network failure.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, pkg/directory: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/fluxa/stream-service/internal/app"
	"github.com/fluxa/stream-service/internal/domain"
	"github.com/fluxa/stream-service/pkg/directory"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// StreamHandlers holds the application service that handlers will use.
type StreamHandlers struct {
	service  *app.Service
	currency string
}

// NewStreamHandlers creates a new instance of StreamHandlers. Amounts in request
// bodies are denominated in the given currency.
func NewStreamHandlers(service *app.Service, currency string) *StreamHandlers {
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	return &StreamHandlers{service: service, currency: currency}
}

type createStreamRequest struct {
	SenderAgentID  string `json:"sender_agent_id"`
	ReceiverID     string `json:"receiver_id"`
	FlowRate       string `json:"flow_rate"`
	InitialFunding string `json:"initial_funding"`
	Buffer         string `json:"buffer,omitempty"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// cancelStreamResponse pairs the final stream record with the settlement split
// so the caller can pay out the receiver and refund the sender in one pass.
type cancelStreamResponse struct {
	Stream     domain.Stream           `json:"stream"`
	Settlement domain.CancelSettlement `json:"settlement"`
}

// limitExceededResponse carries the violated limit in machine-readable form.
// Requested and Allowed are micro-units for money-valued limits and plain
// counts for max_active_streams.
type limitExceededResponse struct {
	Error     string `json:"error"`
	Limit     string `json:"limit"`
	Requested int64  `json:"requested"`
	Allowed   int64  `json:"allowed"`
	Currency  string `json:"currency,omitempty"`
}

// CreateStreamHandler handles requests to open a new payment stream.
func (h *StreamHandlers) CreateStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_stream outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	senderID, err := uuid.Parse(req.SenderAgentID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid sender_agent_id")
		return
	}
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid receiver_id")
		return
	}

	params, ok := h.buildCreateParams(w, r, senderID, receiverID, req)
	if !ok {
		return
	}

	log.Printf("level=info component=api endpoint=create_stream outcome=accepted sender_id=%s receiver_id=%s flow_rate=%s funding=%s",
		senderID, receiverID, params.FlowRate, params.InitialFunding)

	created, err := h.service.CreateStream(r.Context(), params)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_stream outcome=failed sender_id=%s err=%v", senderID, err)
		h.writeStreamError(w, "create_stream", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// DryRunCreateStreamHandler runs the creation limit gate without committing
// anything, so upstream approval flows can show the outcome ahead of time.
func (h *StreamHandlers) DryRunCreateStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	senderID, err := uuid.Parse(req.SenderAgentID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid sender_agent_id")
		return
	}
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid receiver_id")
		return
	}

	params, ok := h.buildCreateParams(w, r, senderID, receiverID, req)
	if !ok {
		return
	}

	result, err := h.service.DryRunCreateStream(r.Context(), params)
	if err != nil {
		log.Printf("level=warn component=api endpoint=dry_run_create_stream outcome=failed sender_id=%s err=%v", senderID, err)
		h.writeStreamError(w, "dry_run_create_stream", err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// buildCreateParams parses the money fields shared by create and dry-run. An
// absent buffer defaults to zero.
func (h *StreamHandlers) buildCreateParams(w http.ResponseWriter, r *http.Request, senderID, receiverID uuid.UUID, req createStreamRequest) (app.CreateStreamParams, bool) {
	flowRate, ok := h.parseAmountField(w, "flow_rate", req.FlowRate)
	if !ok {
		return app.CreateStreamParams{}, false
	}
	funding, ok := h.parseAmountField(w, "initial_funding", req.InitialFunding)
	if !ok {
		return app.CreateStreamParams{}, false
	}
	buffer := domain.Zero(h.currency)
	if strings.TrimSpace(req.Buffer) != "" {
		if buffer, ok = h.parseAmountField(w, "buffer", req.Buffer); !ok {
			return app.CreateStreamParams{}, false
		}
	}

	return app.CreateStreamParams{
		SenderAgentID:  senderID,
		ReceiverID:     receiverID,
		FlowRate:       flowRate,
		InitialFunding: funding,
		Buffer:         buffer,
		IdempotencyKey: idempotencyKey(r),
	}, true
}

// GetStreamHandler returns a stream together with its live projection.
func (h *StreamHandlers) GetStreamHandler(w http.ResponseWriter, r *http.Request) {
	streamID, ok := h.parseStreamID(w, r)
	if !ok {
		return
	}

	result, err := h.service.GetStream(r.Context(), streamID)
	if err != nil {
		h.writeStreamError(w, "get_stream", err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ListStreamsHandler returns a sender's streams with live projections,
// optionally filtered by status.
func (h *StreamHandlers) ListStreamsHandler(w http.ResponseWriter, r *http.Request) {
	senderID, err := uuid.Parse(r.URL.Query().Get("sender_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid sender_id")
		return
	}

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	opts := domain.StreamListOptions{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.StreamStatus(raw)
		switch status {
		case domain.StreamActive, domain.StreamPaused, domain.StreamCancelled:
			opts.Status = &status
		default:
			h.writeError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	items, err := h.service.ListStreams(r.Context(), senderID, opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_streams outcome=failed sender_id=%s err=%v", senderID, err)
		h.writeStreamError(w, "list_streams", err)
		return
	}

	h.writeJSON(w, http.StatusOK, items)
}

// ListStreamEventsHandler returns the append-only event log for one stream,
// oldest first.
func (h *StreamHandlers) ListStreamEventsHandler(w http.ResponseWriter, r *http.Request) {
	streamID, ok := h.parseStreamID(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListStreamEvents(r.Context(), streamID)
	if err != nil {
		h.writeStreamError(w, "list_stream_events", err)
		return
	}

	h.writeJSON(w, http.StatusOK, events)
}

// TopUpStreamHandler adds funding to an active stream.
func (h *StreamHandlers) TopUpStreamHandler(w http.ResponseWriter, r *http.Request) {
	h.handleAmountCommand(w, r, "top_up", h.service.TopUp)
}

// WithdrawStreamHandler moves streamed funds out to the receiver.
func (h *StreamHandlers) WithdrawStreamHandler(w http.ResponseWriter, r *http.Request) {
	h.handleAmountCommand(w, r, "withdraw", h.service.Withdraw)
}

// handleAmountCommand is the shared request path for top-up and withdraw: both
// take a stream id, a decimal amount, and an optional idempotency key.
func (h *StreamHandlers) handleAmountCommand(w http.ResponseWriter, r *http.Request, endpoint string, command func(ctx context.Context, streamID uuid.UUID, amount domain.Money, idempotencyKey string) (*domain.Stream, error)) {
	streamID, ok := h.parseStreamID(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	amount, ok := h.parseAmountField(w, "amount", req.Amount)
	if !ok {
		return
	}

	log.Printf("level=info component=api endpoint=%s outcome=accepted stream_id=%s amount=%s", endpoint, streamID, amount)

	updated, err := command(r.Context(), streamID, amount, idempotencyKey(r))
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=failed stream_id=%s err=%v", endpoint, streamID, err)
		h.writeStreamError(w, endpoint, err)
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// PauseStreamHandler freezes accrual on an active stream.
func (h *StreamHandlers) PauseStreamHandler(w http.ResponseWriter, r *http.Request) {
	h.handleTransitionCommand(w, r, "pause", h.service.Pause)
}

// ResumeStreamHandler restarts accrual on a paused stream.
func (h *StreamHandlers) ResumeStreamHandler(w http.ResponseWriter, r *http.Request) {
	h.handleTransitionCommand(w, r, "resume", h.service.Resume)
}

func (h *StreamHandlers) handleTransitionCommand(w http.ResponseWriter, r *http.Request, endpoint string, command func(ctx context.Context, streamID uuid.UUID, idempotencyKey string) (*domain.Stream, error)) {
	streamID, ok := h.parseStreamID(w, r)
	if !ok {
		return
	}

	log.Printf("level=info component=api endpoint=%s outcome=accepted stream_id=%s", endpoint, streamID)

	updated, err := command(r.Context(), streamID, idempotencyKey(r))
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=failed stream_id=%s err=%v", endpoint, streamID, err)
		h.writeStreamError(w, endpoint, err)
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// CancelStreamHandler terminates a stream and returns the settlement split.
func (h *StreamHandlers) CancelStreamHandler(w http.ResponseWriter, r *http.Request) {
	streamID, ok := h.parseStreamID(w, r)
	if !ok {
		return
	}

	log.Printf("level=info component=api endpoint=cancel_stream outcome=accepted stream_id=%s", streamID)

	updated, settlement, err := h.service.Cancel(r.Context(), streamID, idempotencyKey(r))
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_stream outcome=failed stream_id=%s err=%v", streamID, err)
		h.writeStreamError(w, "cancel_stream", err)
		return
	}

	h.writeJSON(w, http.StatusOK, cancelStreamResponse{Stream: *updated, Settlement: *settlement})
}

// AgentLimitsHandler returns the agent's freshly resolved effective limits with
// the tier inputs that produced them.
func (h *StreamHandlers) AgentLimitsHandler(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}

	limits, err := h.service.EffectiveLimits(r.Context(), agentID)
	if err != nil {
		h.writeStreamError(w, "agent_limits", err)
		return
	}

	h.writeJSON(w, http.StatusOK, limits)
}

// AgentOutflowHandler returns the agent's active stream count and aggregate
// monthly outflow, recomputed from the ledger.
func (h *StreamHandlers) AgentOutflowHandler(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}

	summary, err := h.service.AgentOutflow(r.Context(), agentID)
	if err != nil {
		h.writeStreamError(w, "agent_outflow", err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// writeStreamError translates service failures into the API status map. Limit
// violations get a structured body; everything else gets {"error": message}.
func (h *StreamHandlers) writeStreamError(w http.ResponseWriter, endpoint string, err error) {
	var limitErr *domain.LimitExceededError
	if errors.As(err, &limitErr) {
		h.writeJSON(w, http.StatusUnprocessableEntity, limitExceededResponse{
			Error:     limitErr.Error(),
			Limit:     limitErr.Limit,
			Requested: limitErr.Requested,
			Allowed:   limitErr.Allowed,
			Currency:  limitErr.Currency,
		})
		return
	}

	var transitionErr *domain.InvalidTransitionError
	switch {
	case errors.Is(err, domain.ErrInsufficientFunding), errors.Is(err, domain.ErrInsufficientAvailable):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrStreamNotFound):
		h.writeError(w, http.StatusNotFound, "Stream not found")
	case errors.Is(err, directory.ErrAgentNotFound):
		h.writeError(w, http.StatusNotFound, "Agent not found")
	case errors.Is(err, directory.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "Account not found")
	case errors.As(err, &transitionErr),
		errors.Is(err, app.ErrDuplicateCommand),
		errors.Is(err, domain.ErrStreamNotActive):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAgentInactive):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidFlowRate),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrOverflow):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *StreamHandlers) parseStreamID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	streamID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid stream ID")
		return uuid.Nil, false
	}
	return streamID, true
}

// parseAmountField converts a decimal string into Money, writing a 400 when the
// string is not a valid decimal or carries more precision than micro-units.
func (h *StreamHandlers) parseAmountField(w http.ResponseWriter, field, value string) (domain.Money, bool) {
	amount, err := domain.ParseMoney(strings.TrimSpace(value), h.currency)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s: must be a decimal string with at most %d decimal places", field, domain.MicroUnitScale))
		return domain.Money{}, false
	}
	return amount, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *StreamHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *StreamHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
