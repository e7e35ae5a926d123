// Command server runs the knowledge-graph ingestion service: it wires the
// Schema Registry/Service, Graph Repository, Embedder, vector index,
// Candidate Scorer, Commit Coordinator, and Bootstrap onto their external
// collaborators and serves the request surface over HTTP, with CORS-wrapped
// gorilla/mux routing and signal-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/bootstrap"
	"github.com/exobrain/knowledge-interface/internal/cache"
	"github.com/exobrain/knowledge-interface/internal/candidates"
	"github.com/exobrain/knowledge-interface/internal/config"
	"github.com/exobrain/knowledge-interface/internal/embedding"
	"github.com/exobrain/knowledge-interface/internal/graph"
	"github.com/exobrain/knowledge-interface/internal/ingest"
	"github.com/exobrain/knowledge-interface/internal/policy"
	"github.com/exobrain/knowledge-interface/internal/schema"
	"github.com/exobrain/knowledge-interface/internal/transport"
	"github.com/exobrain/knowledge-interface/internal/vectorindex"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, continuing degraded", zap.Error(err))
	}

	l1, err := cache.NewL1Cache(0, 0, redisClient, logger)
	if err != nil {
		logger.Fatal("building embedding cache", zap.Error(err))
	}
	defer l1.Close()
	embedCache := cache.NewEmbeddingCache(l1)

	embedder := embedding.New(embedding.Config{
		BaseURL:   cfg.EmbedderBaseURL,
		Model:     cfg.EmbedderModel,
		Dimension: cfg.VectorDimension,
	}, embedCache, logger)

	vindex := vectorindex.New(vectorindex.Config{
		BaseURL:        cfg.VectorBaseURL,
		CollectionName: cfg.VectorCollection,
		Dimension:      cfg.VectorDimension,
	}, logger)
	if err := vindex.EnsureCollection(ctx); err != nil {
		logger.Fatal("ensuring vector collection", zap.Error(err))
	}

	graphClientCfg := graph.DefaultClientConfig()
	graphClientCfg.Address = cfg.GraphAddress
	graphClientCfg.MaxRetries = cfg.GraphMaxRetries
	graphClientCfg.RetryInterval = cfg.GraphRetryWait
	graphClientCfg.RequestTimeout = cfg.RequestTimeout
	graphClient, err := graph.NewClient(ctx, graphClientCfg, logger)
	if err != nil {
		logger.Fatal("connecting to graph store", zap.Error(err))
	}
	defer graphClient.Close()
	repo := graph.NewRepository(graphClient, logger)

	registry, err := schema.Open(ctx, cfg.MetastoreDSN, logger)
	if err != nil {
		logger.Fatal("opening schema metastore", zap.Error(err))
	}
	defer registry.Close()
	schemaService := schema.NewService(registry, logger)

	lexical, err := candidates.NewLexicalIndex(candidates.DefaultIndexConfig(), logger)
	if err != nil {
		logger.Fatal("opening lexical index", zap.Error(err))
	}
	defer lexical.Close()
	scorer := candidates.NewScorer(lexical, vindex, repo, embedder, logger)

	locks := ingest.NewLockManager(redisClient, logger)
	coordinator := ingest.NewCoordinator(schemaService, repo, embedder, vindex, lexical, locks, logger)

	boot := bootstrap.New(repo, coordinator, logger)
	if err := boot.EnsureCommonRootGraph(ctx); err != nil {
		logger.Fatal("ensuring common root graph", zap.Error(err))
	}

	rateLimiter := policy.NewRateLimiter(redisClient, logger, true)

	var natsIngress *ingest.NATSIngress
	if cfg.NATSURL != "" {
		if nc, err := nats.Connect(cfg.NATSURL); err != nil {
			logger.Warn("nats unreachable, async ingress disabled", zap.Error(err))
		} else {
			defer nc.Close()
			js, err := nc.JetStream()
			if err != nil {
				logger.Warn("jetstream context unavailable, async ingress disabled", zap.Error(err))
			} else {
				natsIngress = ingest.NewNATSIngress(js, coordinator, logger)
				if err := natsIngress.Start(ctx); err != nil {
					logger.Warn("starting nats ingress", zap.Error(err))
					natsIngress = nil
				}
			}
		}
	}

	var workflowSvc *ingest.WorkflowService
	if cfg.InngestEventKey != "" {
		workflowSvc, err = ingest.NewWorkflowService(ingest.WorkflowConfig{AppID: "exobrain-ingest", Logger: logger}, coordinator)
		if err != nil {
			logger.Warn("inngest workflow registration failed, async durable retry disabled", zap.Error(err))
			workflowSvc = nil
		}
	}

	srv := transport.NewServer(schemaService, boot, coordinator, scorer, rateLimiter, logger)
	router := srv.Router()
	if workflowSvc != nil {
		router.PathPrefix("/inngest").Handler(workflowSvc.ServeHandler())
	}

	corsObj := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handlers.LoggingHandler(os.Stdout, corsObj(router)),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if natsIngress != nil {
		_ = natsIngress.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
