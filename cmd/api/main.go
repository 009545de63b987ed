package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/closzit/closzit-api/internal/config"
	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/domain/payment"
	"github.com/closzit/closzit-api/internal/domain/reconciliation"
	"github.com/closzit/closzit-api/internal/memstore"
	"github.com/closzit/closzit-api/internal/middleware"
	"github.com/closzit/closzit-api/internal/pkg/database"
	"github.com/closzit/closzit-api/internal/pkg/jwt"
	"github.com/closzit/closzit-api/internal/pkg/kakaopay"
	"github.com/closzit/closzit-api/internal/pkg/logger"
	"github.com/closzit/closzit-api/internal/pkg/metrics"
	"github.com/closzit/closzit-api/internal/pkg/redislock"
	pkgresponse "github.com/closzit/closzit-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Pretty: cfg.IsDevelopment()})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("storage", cfg.StorageDriver).
		Msg("Starting closzIT API")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer st.close()

	redisClient, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redisClient)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// ---------- Services ----------
	creditService := credit.NewService(st.credits, credit.Options{MaxRetries: cfg.LedgerMaxRetries})

	if cfg.KakaoPaySecretKey == "" {
		log.Warn().Msg("KAKAOPAY_SECRET_KEY is empty, gateway calls will fail")
	}
	kakaoClient := kakaopay.NewClient(cfg.KakaoPayBaseURL, cfg.KakaoPaySecretKey, cfg.KakaoPayCID, cfg.GatewayTimeout)
	gateway := payment.NewKakaoPayGateway(kakaoClient)

	paymentService := payment.NewService(st.payments, st.outbox, st.audit, creditService, gateway, payment.NewCatalog(), payment.Config{
		CallbackBaseURL: cfg.AppURL,
		GrantMaxRetries: cfg.OutboxMaxRetries,
	})

	processor := outbox.NewProcessor(st.outbox, outbox.ProcessorConfig{
		Interval:  cfg.OutboxInterval,
		BatchSize: cfg.OutboxBatchSize,
		LeaseTTL:  cfg.OutboxLeaseTTL,
	}, outbox.MustNewMetrics(reg))
	if redisClient != nil {
		processor.WithLocker(redislock.New(redisClient))
	}
	processor.Handle(outbox.EventGrantCredit, paymentService.HandleGrantCreditEvent)

	reconciler := reconciliation.NewService(st.payments, st.outbox, st.audit, creditService, reconciliation.Config{
		Interval:        cfg.ReconcileInterval,
		Grace:           cfg.ReconcileGrace,
		StuckAfter:      cfg.ReconcileStuckAfter,
		Gateway:         gateway.Name(),
		GrantMaxRetries: cfg.OutboxMaxRetries,
	}, reconciliation.MustNewMetrics(reg))

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	r := newRouter(cfg, routes{
		auth:           middleware.Auth(jwtService),
		credit:         credit.NewHandler(creditService),
		payment:        payment.NewHandler(paymentService, cfg.FrontendURL),
		reconciliation: reconciliation.NewHandler(reconciler),
		outbox:         outbox.NewHandler(processor),
		metrics:        metrics.Handler(reg),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server exited properly")
}

type routes struct {
	auth           func(http.Handler) http.Handler
	credit         *credit.Handler
	payment        *payment.Handler
	reconciliation *reconciliation.Handler
	outbox         *outbox.Handler
	metrics        http.Handler
}

func newRouter(cfg *config.Config, h routes) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})
	r.Handle("/metrics", h.metrics)

	// Gateway redirects land here, outside /api.
	r.Mount("/payment/kakaopay", h.payment.CallbackRoutes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/credits", h.credit.Routes(h.auth))
		r.Route("/payments/kakaopay", func(r chi.Router) {
			r.Use(h.auth)
			h.payment.Register(r)
			h.reconciliation.Register(r)
		})
	})

	r.Route("/api/admin/payments", func(r chi.Router) {
		r.Use(h.auth)
		r.Use(middleware.RequireAdmin())
		r.Post("/reconcile", h.reconciliation.Reconcile)
		r.Mount("/outbox", h.outbox.Routes())
	})

	return r
}

// stores bundles the repositories of one storage driver.
type stores struct {
	credits  credit.Repository
	payments payment.Repository
	outbox   outbox.Repository
	audit    audit.Repository
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.UsesMemoryStore() {
		log.Warn().Msg("Using in-memory storage, data is lost on restart")
		m := memstore.New()
		return &stores{
			credits:  m.Credits(),
			payments: m.Payments(),
			outbox:   m.Outbox(),
			audit:    m.Audit(),
			close:    func() {},
		}, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return postgresStores(db), nil
}

func postgresStores(db *sqlx.DB) *stores {
	return &stores{
		credits:  credit.NewRepository(db),
		payments: payment.NewRepository(db),
		outbox:   outbox.NewRepository(db),
		audit:    audit.NewRepository(db),
		close:    func() { database.ClosePostgres(db) },
	}
}
