package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/auth"
	"github.com/darkden-lab/livefeed/internal/logging"
	"github.com/darkden-lab/livefeed/internal/subscription"
)

// HandlerConfig wires a WSHandler.
type HandlerConfig struct {
	Hub      *Hub
	JWT      *auth.JWTService
	Registry *subscription.Registry
	Origins  *OriginChecker
	// Options is the pipeline template for every client. Its Authorizer, if
	// set, is consulted after the token's topic grants.
	Options subscription.Options
	Log     *zap.SugaredLogger
}

// WSHandler upgrades HTTP connections to WebSocket and spawns the read/write
// pumps for the new client.
type WSHandler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

func NewWSHandler(cfg HandlerConfig) *WSHandler {
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.Origins == nil {
		cfg.Origins = NewOriginChecker(nil)
	}
	return &WSHandler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.Origins.Check,
		},
		log: cfg.Log,
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades an HTTP GET /ws request to a WebSocket connection.
// Authentication is performed by reading the JWT from:
//  1. The `token` query parameter, or
//  2. The `Authorization: Bearer <token>` header.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.RequestToken(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := h.cfg.JWT.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		h.log.Debugw("ws: upgrade failed", "error", err)
		return
	}

	client := NewClient(h.cfg.Hub, conn, claims.UserID, h.log)
	opts := h.cfg.Options
	opts.Authorizer = claimsAuthorizer(claims, h.cfg.Options.Authorizer)
	opts.Log = h.log.With("client", client.ID())
	client.SetSubscriber(subscription.NewSubscriber(client, h.cfg.Registry, opts))
	h.cfg.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// claimsAuthorizer allows the topics granted by the token, then defers to
// next when one is configured.
func claimsAuthorizer(claims *auth.Claims, next subscription.Authorizer) subscription.Authorizer {
	return subscription.AuthorizerFunc(func(ctx context.Context, req subscription.Request) (bool, error) {
		if !claims.AllowsTopic(req.Topic) {
			return false, nil
		}
		if next == nil {
			return true, nil
		}
		return next.CanSubscribe(ctx, req)
	})
}
