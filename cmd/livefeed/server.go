package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/auth"
	"github.com/darkden-lab/livefeed/internal/broker"
	"github.com/darkden-lab/livefeed/internal/config"
	"github.com/darkden-lab/livefeed/internal/eventbus"
	mw "github.com/darkden-lab/livefeed/internal/middleware"
	"github.com/darkden-lab/livefeed/internal/publish"
	"github.com/darkden-lab/livefeed/internal/subscription"
	"github.com/darkden-lab/livefeed/internal/ws"
)

// server holds the wired components behind the HTTP handler.
type server struct {
	handler  http.Handler
	hub      *ws.Hub
	registry *subscription.Registry
	closers  []func() error
	log      *zap.SugaredLogger
}

func newServer(cfg *config.Config, log *zap.SugaredLogger) (*server, error) {
	s := &server{log: log}

	var (
		source subscription.Source
		sink   publish.Sink
	)
	if cfg.KafkaEnabled() {
		kafka, err := broker.NewKafka(broker.KafkaConfig{
			Brokers: cfg.Brokers(),
			Log:     log.Named("kafka"),
		})
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		producer, err := broker.NewProducer(broker.ProducerConfig{
			Dialer:         kafka,
			RetryInterval:  cfg.KafkaRetry,
			ConnectTimeout: cfg.ProducerConnectTimeout,
			Log:            log.Named("producer"),
		})
		if err != nil {
			return nil, fmt.Errorf("producer: %w", err)
		}
		s.closers = append(s.closers, producer.Close)
		source = subscription.KafkaSource{
			Dialer:      kafka,
			GroupPrefix: cfg.KafkaGroupPrefix,
			Retry:       cfg.KafkaRetry,
			Log:         log.Named("consumer"),
		}
		sink = publish.ProducerSink{Producer: producer}
		log.Infow("livefeed: using kafka", "brokers", cfg.Brokers())
	} else {
		bus := eventbus.New(log.Named("eventbus"))
		s.closers = append(s.closers, bus.Close)
		source = subscription.BusSource{Bus: bus}
		sink = publish.BusSink{Bus: bus}
		log.Infow("livefeed: no kafka brokers configured, using in-process event bus")
	}

	// The registry closes before its source so bindings are released first.
	s.registry = subscription.NewRegistry(source, log.Named("registry"))
	s.closers = append([]func() error{s.registry.Close}, s.closers...)

	s.hub = ws.NewHub(log.Named("ws"))
	go s.hub.Run()

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	origins := ws.ParseOrigins(cfg.AllowedOrigins)

	wsHandler := ws.NewWSHandler(ws.HandlerConfig{
		Hub:      s.hub,
		JWT:      jwtService,
		Registry: s.registry,
		Origins:  ws.NewOriginChecker(origins),
		Options: subscription.Options{
			EmitRate:        cfg.EmitRate,
			IgnoreOlderThan: cfg.IgnoreOlderThan,
			TopicEventNames: cfg.TopicEventNames,
		},
		Log: log.Named("ws"),
	})

	publisher := publish.NewPublisher(sink, log.Named("publish"))
	apiHandlers := publish.NewHandlers(publisher, s.registry, s.hub, log.Named("api"))

	limiter := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log.Named("ratelimit"))
	s.closers = append(s.closers, func() error {
		limiter.Close()
		return nil
	})

	r := mux.NewRouter()

	// Health check (no auth)
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)

	// WebSocket (auth handled inside handler)
	wsHandler.RegisterRoutes(r)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(limiter.Middleware)
	api.Use(mw.AuthMiddleware(jwtService))
	apiHandlers.RegisterRoutes(api)

	// CORS wraps the entire router so OPTIONS preflight requests are handled
	// before mux routing (which would 404 on OPTIONS).
	s.handler = corsMiddleware(origins, r)
	return s, nil
}

// Close disconnects every client and releases the broker resources.
func (s *server) Close() error {
	s.hub.Close()
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	if len(allowed) == 0 {
		allowed = []string{ws.DefaultOrigin}
	}

	origins := make(map[string]bool)
	for _, o := range allowed {
		origins[strings.TrimSpace(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origins[origin] || (origins["*"] && origin != "") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(origins) == 1 && !origins["*"] {
			// Single origin mode: always set it (for dev convenience)
			for o := range origins {
				w.Header().Set("Access-Control-Allow-Origin", o)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
