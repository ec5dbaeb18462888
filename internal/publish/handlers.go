package publish

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/auth"
	"github.com/darkden-lab/livefeed/internal/httputil"
	"github.com/darkden-lab/livefeed/internal/logging"
	"github.com/darkden-lab/livefeed/internal/subscription"
)

const maxBodyBytes = 1 << 20

// ClientCounter reports the number of connected sockets.
type ClientCounter interface {
	Count() int
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Durable bool            `json:"durable"`
}

type topicsResponse struct {
	Count   int                      `json:"count"`
	Clients int                      `json:"clients"`
	Topics  []subscription.TopicStat `json:"topics"`
}

// Handlers serves the publish API.
type Handlers struct {
	publisher *Publisher
	registry  *subscription.Registry
	clients   ClientCounter
	log       *zap.SugaredLogger
}

func NewHandlers(publisher *Publisher, registry *subscription.Registry, clients ClientCounter, log *zap.SugaredLogger) *Handlers {
	if log == nil {
		log = logging.Nop()
	}
	return &Handlers{publisher: publisher, registry: registry, clients: clients, log: log}
}

// RegisterRoutes wires the API routes onto r, which is expected to carry the
// auth and rate limit middleware.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/publish", h.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/topics", h.handleTopics).Methods(http.MethodGet)
}

func (h *Handlers) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Topic == "" {
		httputil.WriteError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && !claims.AllowsTopic(req.Topic) {
		h.log.Warnw("publish: topic denied", "topic", req.Topic, "user", claims.UserID)
		httputil.WriteError(w, http.StatusForbidden, "topic not allowed")
		return
	}

	env, err := h.publisher.Publish(r.Context(), req.Topic, req.Type, req.Message, req.Durable)
	switch {
	case errors.Is(err, ErrTopicRequired), errors.Is(err, ErrInvalidMessage):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		httputil.WriteError(w, http.StatusBadGateway, "delivery failed")
	default:
		httputil.WriteJSON(w, http.StatusAccepted, env)
	}
}

func (h *Handlers) handleTopics(w http.ResponseWriter, _ *http.Request) {
	stats := h.registry.Stats()
	resp := topicsResponse{Count: len(stats), Topics: stats}
	if h.clients != nil {
		resp.Clients = h.clients.Count()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
