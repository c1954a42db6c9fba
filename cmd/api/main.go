// Package main is the entry point for the Caddy supervision server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/chat"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat/googlechat"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat/local"
	"github.com/capitalize-ai/caddy-supervisor/internal/config"
	"github.com/capitalize-ai/caddy-supervisor/internal/evaluation"
	"github.com/capitalize-ai/caddy-supervisor/internal/generation"
	"github.com/capitalize-ai/caddy-supervisor/internal/handler"
	"github.com/capitalize-ai/caddy-supervisor/internal/llm"
	"github.com/capitalize-ai/caddy-supervisor/internal/middleware"
	natsclient "github.com/capitalize-ai/caddy-supervisor/internal/nats"
	"github.com/capitalize-ai/caddy-supervisor/internal/pii"
	"github.com/capitalize-ai/caddy-supervisor/internal/repository"
	"github.com/capitalize-ai/caddy-supervisor/internal/retrieval"
	"github.com/capitalize-ai/caddy-supervisor/internal/router"
	"github.com/capitalize-ai/caddy-supervisor/internal/service"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
	"github.com/capitalize-ai/caddy-supervisor/internal/store/bolt"
	"github.com/capitalize-ai/caddy-supervisor/internal/store/memory"
	"github.com/capitalize-ai/caddy-supervisor/internal/store/sqlite"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

const placeholderDraft = "No language model is configured, so this is a placeholder draft. " +
	"Set LLM_PROVIDER and an API key to generate real answers."

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log.Logger)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting caddy supervisor",
		zap.String("store", cfg.StoreBackend),
		zap.Bool("event_queue", cfg.EventQueueEnabled),
	)

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "caddy-supervisor", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	ws, err := config.LoadWorkspace(cfg.WorkspaceFile)
	if err != nil {
		return err
	}

	needNATS := cfg.StoreBackend == "nats" || cfg.EventQueueEnabled || cfg.RetrievalSubject != ""
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		Name:     "caddy-supervisor",
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		if needNATS {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Warn("running without NATS; audit events are not published", zap.Error(err))
		natsClient = nil
	} else {
		defer natsClient.Close()
	}

	st, err := openStore(ctx, cfg, natsClient, log)
	if err != nil {
		return err
	}
	defer st.Close()

	repo := repository.New(st)
	if err := repo.Seed(ctx, ws.Offices, ws.Users); err != nil {
		return err
	}
	log.Info("workspace loaded", zap.Int("offices", len(ws.Offices)), zap.Int("users", len(ws.Users)))

	client, err := newLLM(ctx, cfg, log)
	if err != nil {
		return err
	}
	if c, ok := client.(io.Closer); ok {
		defer c.Close()
	}

	retriever, err := newRetriever(cfg, ws, natsClient, client, log)
	if err != nil {
		return err
	}

	routes := ws.Routes
	if len(routes) == 0 {
		routes = router.DefaultRoutes
	}
	rt := router.New(llm.Instrument(client, "route"), routes, ws.FallbackAugmentation, log.Logger)
	rt.Model = cfg.RouterModel

	loc, err := time.LoadLocation(ws.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %s: %w", ws.Timezone, err)
	}
	prompts, err := generation.NewPromptBuilder(ws.PromptTemplate, loc)
	if err != nil {
		return err
	}
	generator := generation.NewLLMGenerator(llm.Instrument(client, "generate"), prompts, log.Logger)
	generator.Model = cfg.GenerationModel

	chats, err := newChats(ctx, cfg, natsClient)
	if err != nil {
		return err
	}

	assigner := evaluation.NewAssigner(repo, evaluation.DefaultRegistry(rand.Float64), cfg.AssignmentWait, log.Logger)

	deps := service.Deps{
		Repo:              repo,
		Chats:             chats,
		Screener:          pii.NewPatternScreener(),
		Assigner:          assigner,
		Retriever:         retriever,
		Router:            rt,
		Generator:         generator,
		Logger:            log,
		GenerationTimeout: cfg.GenerationTimeout,
	}
	if natsClient != nil {
		streams := natsclient.NewStreamManager(natsClient)
		if err := streams.EnsureStream(ctx); err != nil {
			return err
		}
		deps.Events = streams
		go recordStreamStats(ctx, streams, log)
	}
	svc := service.New(deps)

	var dispatcher service.Dispatcher
	var inline *service.InlineDispatcher
	if cfg.EventQueueEnabled {
		queue := natsclient.NewQueue(natsClient, svc.HandleAsync, cfg.EventTimeout, log)
		queue.ErrorLevel = service.LogLevel
		if err := queue.EnsureStream(ctx); err != nil {
			return err
		}
		if err := queue.Start(ctx); err != nil {
			return err
		}
		defer queue.Stop()
		dispatcher = queue
	} else {
		inline = service.NewInlineDispatcher(svc.HandleAsync, cfg.EventTimeout, log)
		dispatcher = inline
	}

	checks := map[string]handler.Check{
		"store": func(ctx context.Context) error {
			_, err := repo.GetOffice(ctx, "readiness.invalid")
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		},
	}
	if natsClient != nil {
		checks["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	healthHandler := handler.NewHealthHandler(checks)
	eventHandler := handler.NewEventHandler(svc, dispatcher, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.GoogleChatEnabled() {
		certs := middleware.NewCertCache(cfg.GoogleChatCertsURL)
		r.Group(func(r chi.Router) {
			r.Use(middleware.GoogleChatAuth(certs, cfg.GoogleChatAudience))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Post("/google-chat/chat", eventHandler.GoogleChat)
			r.Post("/google-chat/supervision", eventHandler.GoogleChat)
		})
	} else {
		log.Warn("GOOGLE_CHAT_AUDIENCE not set; Google Chat endpoints disabled")
	}

	if cfg.WebhookHMACSecret != "" {
		r.Group(func(r chi.Router) {
			r.Use(middleware.HMACAuth(cfg.WebhookHMACSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Post("/local/events", eventHandler.Local)
		})
	} else {
		log.Warn("WEBHOOK_HMAC_SECRET not set; local events endpoint disabled")
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if inline != nil {
		if err := inline.Wait(shutdownCtx); err != nil {
			log.Warn("in-flight events did not finish", zap.Error(err))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client, log *logger.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store; records are lost on restart")
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, log.Logger)
	case "bolt":
		return bolt.Open(cfg.BoltPath)
	case "nats":
		return natsclient.NewKVStore(ctx, nc)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func newLLM(ctx context.Context, cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	keys := llm.Keys{Anthropic: cfg.AnthropicAPIKey, OpenAI: cfg.OpenAIAPIKey, Gemini: cfg.GeminiAPIKey}
	provider := llm.Provider(cfg.LLMProvider)
	if provider == "" {
		switch {
		case keys.Anthropic != "":
			provider = llm.ProviderAnthropic
		case keys.OpenAI != "":
			provider = llm.ProviderOpenAI
		case keys.Gemini != "":
			provider = llm.ProviderGemini
		default:
			log.Warn("no LLM credentials configured, using placeholder drafts")
			return llm.Echo(placeholderDraft), nil
		}
	}
	client, err := llm.NewClient(ctx, provider, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", provider, err)
	}
	log.Info("llm provider configured", zap.String("provider", client.Name()))
	return client, nil
}

func newRetriever(cfg *config.Config, ws *config.Workspace, nc *natsclient.Client, client llm.Client, log *logger.Logger) (*retrieval.Ranker, error) {
	static := retrieval.NewStaticRetriever(ws.Documents)

	var backend retrieval.Retriever = static
	switch {
	case cfg.RetrievalSubject != "":
		backend = retrieval.NewNATSRetriever(nc.Conn(), cfg.RetrievalSubject)
	case nc != nil && len(ws.Documents) > 0:
		// Other workers without the workspace documents can search these.
		if _, err := retrieval.ServeStatic(nc.Conn(), retrieval.SearchSubject, static); err != nil {
			return nil, fmt.Errorf("failed to serve static documents: %w", err)
		}
		log.Info("serving workspace documents", zap.String("subject", retrieval.SearchSubject), zap.Int("documents", len(ws.Documents)))
	}

	ranker := retrieval.NewRanker(backend, llm.Instrument(client, "rerank"), log.Logger)
	ranker.Model = cfg.RerankModel
	ranker.PerDomain = cfg.RetrievalPerDomain
	ranker.MaxDocuments = cfg.RetrievalMaxDocs
	ranker.Alternative = &retrieval.MergeRetriever{Backend: backend, PerDomain: cfg.RetrievalPerDomain, Max: cfg.RetrievalMaxDocs}
	return ranker, nil
}

func newChats(ctx context.Context, cfg *config.Config, nc *natsclient.Client) (*chat.Registry, error) {
	chats := chat.NewRegistry()

	var pub local.Publisher
	if nc != nil {
		pub = nc.Conn()
	}
	chats.Register(local.Name, chat.Client{
		Adviser:    local.New(pub, "adviser"),
		Supervisor: local.New(pub, "supervisor"),
	})

	if cfg.GoogleChatEnabled() {
		gc, err := googlechat.New(ctx, cfg.GoogleChatCredentialsFile)
		if err != nil {
			return nil, err
		}
		chats.Register(googlechat.Name, chat.Client{Adviser: gc, Supervisor: gc})
	}
	return chats, nil
}

func recordStreamStats(ctx context.Context, streams *natsclient.StreamManager, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := streams.RecordStreamStats(ctx); err != nil {
				log.Debug("failed to record stream stats", zap.Error(err))
			}
		}
	}
}
