package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/cache"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/core/task"
	"github.com/ClareAI/astra-voice-bridge/internal/handler"
	callsvc "github.com/ClareAI/astra-voice-bridge/internal/services/call"
	"github.com/ClareAI/astra-voice-bridge/internal/storage"
	"github.com/ClareAI/astra-voice-bridge/pkg/gcs"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/pubsub"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"github.com/ClareAI/astra-voice-bridge/pkg/twilio"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	eventBusWorkers     = 8
	callRecordRetention = 30 * time.Minute
	agentJanitorPeriod  = time.Minute
)

// Server bundles the bridge's long-lived services
type Server struct {
	cfg        *config.Config
	httpServer *http.Server

	calls     *callsvc.CallService
	pool      *task.Pool
	eventBus  event.EventBus
	agents    *cache.AgentCache
	redisSvc  *redis.RedisService
	publisher *pubsub.PubSubService
	gcsClient *gcs.GCSClient

	cancel context.CancelFunc
}

// NewServer creates the services and wires them into the HTTP router
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, cancel: cancel}

	var sessions *session.Manager
	var taskBus task.Bus
	var loader cache.Loader
	var redisSvc redis.RedisServiceInterface
	if cfg.RedisEnabled() {
		svc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Warn("Redis unavailable, running without cross-pod registry", zap.Error(err))
		} else {
			s.redisSvc = svc
			redisSvc = svc
			sessions = session.NewManager(svc, cfg.InstanceID)
			taskBus = task.NewRedisBus(svc)
			loader = cache.NewRedisLoader(svc)
		}
	}

	s.agents = cache.NewAgentCache(loader, cfg.DefaultAgent, cfg.AgentCacheTTL)
	s.agents.StartJanitor(agentJanitorPeriod)
	if redisSvc != nil {
		if err := s.agents.SubscribeInvalidation(ctx, redisSvc); err != nil {
			logger.Base().Warn("Agent invalidation subscription failed", zap.Error(err))
		}
	}

	s.pool = task.NewPool("voice-bridge", cfg.WorkerPoolSize, cfg.TaskTimeout)

	s.eventBus = event.NewEventBus(eventBusWorkers)
	for _, mw := range event.CreateDefaultMiddlewareChain() {
		s.eventBus.Use(mw)
	}
	tracker, err := event.NewCallTracker(s.eventBus, callRecordRetention)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create call tracker: %w", err)
	}

	deps := callsvc.Deps{
		Config:   cfg,
		Factory:  model.NewProviderFactory(cfg),
		Agents:   s.agents,
		Pool:     s.pool,
		EventBus: s.eventBus,
		Sessions: sessions,
		TaskBus:  taskBus,
		Redis:    redisSvc,
	}

	if cfg.PubSubProjectID != "" {
		publisher, err := pubsub.NewPubSubService(ctx, &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopic,
			PubID:     cfg.PubSubPrefix,
		})
		if err != nil {
			logger.Base().Warn("Pub/Sub unavailable, completion events disabled", zap.Error(err))
		} else {
			s.publisher = publisher
			deps.Publisher = publisher
		}
	}

	if cfg.TranscriptBucket != "" {
		gcsClient, err := gcs.NewGCSClient(ctx, cfg.TranscriptBucket)
		if err != nil {
			logger.Base().Warn("GCS unavailable, transcripts will not be archived", zap.Error(err))
		} else {
			archive, err := storage.NewTranscriptArchive(storage.StorageTypeGCS, cfg.TranscriptBucket, gcsClient)
			if err != nil {
				_ = gcsClient.Close()
				cancel()
				return nil, fmt.Errorf("create transcript archive: %w", err)
			}
			s.gcsClient = gcsClient
			deps.Transcripts = archive
		}
	}

	control := twilio.NewCallControl(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	if control.IsEnabled() {
		deps.Control = control
	} else {
		logger.Base().Warn("Twilio credentials missing, calls will not be terminated via REST")
	}

	s.calls, err = callsvc.NewCallService(deps)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := s.calls.Start(ctx); err != nil {
		logger.Base().Warn("Cleanup subscription failed", zap.Error(err))
	}

	handlerDeps := handler.Deps{
		Config:   cfg,
		Calls:    s.calls,
		Tracker:  tracker,
		Agents:   s.agents,
		Pool:     s.pool,
		Webhooks: control,
	}
	if redisSvc != nil {
		handlerDeps.Redis = redisSvc
	}
	router := handler.NewHandlerManager(handlerDeps).SetupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// Start serves HTTP until the server is shut down
func (s *Server) Start() error {
	logger.Base().Info("Starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains live calls before closing the listener and backing services
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Call.TeardownTimeout+s.cfg.TaskTimeout)
	defer cancel()

	if err := s.calls.Shutdown(ctx); err != nil {
		logger.Base().Warn("Calls did not drain before timeout", zap.Error(err))
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Base().Warn("HTTP server shutdown error", zap.Error(err))
	}

	s.cancel()
	s.agents.Shutdown()
	s.pool.Close()
	_ = s.eventBus.Close()
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	if s.gcsClient != nil {
		_ = s.gcsClient.Close()
	}
	if s.redisSvc != nil {
		_ = s.redisSvc.Close()
	}
}

func main() {
	// .env is optional and never overrides variables set by the deployment
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("Invalid configuration", zap.Error(err))
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Base().Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Base().Error("Server failed", zap.Error(err))
		}
	}
	server.Shutdown()
}
