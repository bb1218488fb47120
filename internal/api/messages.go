package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/hmacsig"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
)

// maxMessageBytes bounds an inbound message body.
const maxMessageBytes = 1 << 20

// inboundLimitPerHour caps how many messages one sender may land per hour,
// matching the delegation-side cap.
const inboundLimitPerHour = 60

// MessageStore is the slice of the graph client the message endpoint needs.
type MessageStore interface {
	CheckRateLimit(ctx context.Context, agent graph.AgentID, operation string, limitPerHour int) (int, error)
	PublishNotification(ctx context.Context, agent graph.AgentID, notifType, summary, taskID string) error
}

// MessageHandler accepts signed inter-agent messages and lands them in the
// receiving agent's inbox. Delivery is acknowledgement of receipt, not of
// processing: the agent's claim loop does the work.
type MessageHandler struct {
	store    MessageStore
	verifier *hmacsig.Verifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewMessageHandler(store MessageStore, verifier *hmacsig.Verifier, metrics *observability.Metrics, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		store:    store,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Receive handles POST /agent/{agent_id}/message.
func (h *MessageHandler) Receive(w http.ResponseWriter, r *http.Request) {
	agent := graph.AgentID(chi.URLParam(r, "agent_id"))
	if !graph.ValidAgent(agent) {
		ErrNotFound(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		ErrBadRequest(w, "unreadable request body")
		return
	}

	sender, err := h.verifier.Verify(r.Context(), r, body)
	if err != nil {
		h.metrics.AuthFailure()
		ErrUnauthorized(w)
		return
	}

	var msg delegation.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		ErrBadRequest(w, "invalid message body")
		return
	}
	if msg.DelegatedBy != sender {
		// Signed identity wins over whatever the payload claims.
		ErrUnauthorized(w)
		h.metrics.AuthFailure()
		return
	}

	if _, err := h.store.CheckRateLimit(r.Context(), sender, "message", inboundLimitPerHour); err != nil {
		if errors.Is(err, graph.ErrRateLimited) {
			ErrTooManyRequests(w)
			return
		}
		if errors.Is(err, graph.ErrDegraded) {
			ErrUnavailable(w)
			return
		}
		h.logger.Error("inbound rate check",
			zap.String("from", string(sender)), zap.Error(err))
		ErrInternal(w)
		return
	}

	summary := fmt.Sprintf("%s task from %s", msg.Type, sender)
	if err := h.store.PublishNotification(r.Context(), agent, "message", summary, msg.TaskID); err != nil {
		if errors.Is(err, graph.ErrDegraded) {
			ErrUnavailable(w)
			return
		}
		h.logger.Error("store inbound message",
			zap.String("agent", string(agent)), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.metrics.MessageAccepted(string(agent))
	h.logger.Info("message accepted",
		zap.String("from", string(sender)),
		zap.String("to", string(agent)),
		zap.String("task_id", msg.TaskID))
	Accepted(w, map[string]string{"status": "accepted", "task_id": msg.TaskID})
}
