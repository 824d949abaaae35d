package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ksred/landx-api/internal/auth"
	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/charges"
	"github.com/ksred/landx-api/internal/config"
	"github.com/ksred/landx-api/internal/contracts"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/defaulting"
	"github.com/ksred/landx-api/internal/idempotency"
	"github.com/ksred/landx-api/internal/ledger"
	"github.com/ksred/landx-api/internal/matching"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/settlement"
	"github.com/ksred/landx-api/pkg/middleware"
)

type app struct {
	auth        *auth.Service
	rounds      *rounds.Service
	bids        *bids.Service
	phases      *phase.Service
	charges     *charges.Service
	matching    *matching.Service
	settlement  *settlement.Service
	contracts   *contracts.Service
	defaulting  *defaulting.Service
	ledger      *ledger.Service
	idempotency *idempotency.Service
	auditor     *ledger.Auditor
	rateLimiter *middleware.RateLimiter
}

func newApp(store *database.Store, cfg *config.Config, m *metrics.Metrics, authService *auth.Service) *app {
	ledgerService := ledger.NewService(store, m)
	bidService := bids.NewService(store)
	matchingService := matching.NewService(store, m)
	contractService := contracts.NewService(store, ledgerService)
	settlementService := settlement.NewService(store, matchingService, contractService, ledgerService, m)

	return &app{
		auth:        authService,
		rounds:      rounds.NewService(store, bidService, m),
		bids:        bidService,
		phases:      phase.NewService(store),
		charges:     charges.NewService(store),
		matching:    matchingService,
		settlement:  settlementService,
		contracts:   contractService,
		defaulting:  defaulting.NewService(store, settlementService, m),
		ledger:      ledgerService,
		idempotency: idempotency.NewService(store, cfg.IdempotencyTTL, m),
		auditor:     ledger.NewAuditor(ledgerService, cfg.LedgerAuditInterval),
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimitCapacity, cfg.RateLimitPerMinute, m),
	}
}

// setupRoutes configures all API routes
func (a *app) setupRoutes(router *gin.Engine, registry *prometheus.Registry) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authHandlers := auth.NewGinHandlers(a.auth)
	roundHandlers := rounds.NewGinHandlers(a.rounds)
	bidHandlers := bids.NewGinHandlers(a.bids)
	phaseHandlers := phase.NewGinHandlers(a.phases)
	chargeHandlers := charges.NewGinHandlers(a.charges)
	matchingHandlers := matching.NewGinHandlers(a.matching)
	settlementHandlers := settlement.NewGinHandlers(a.settlement)
	contractHandlers := contracts.NewGinHandlers(a.contracts, a.defaulting)
	defaultHandlers := defaulting.NewGinHandlers(a.defaulting)
	ledgerHandlers := ledger.NewGinHandlers(a.ledger)

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

	project := v1.Group("/w/:workflow/p/:project_id")
	project.Use(middleware.JWTAuth(a.auth), middleware.RequireProject(), a.rateLimiter.Handler())
	idem := a.idempotency.Middleware

	project.POST("/rounds/seed", idem("rounds.seed"), roundHandlers.SeedHandler())
	project.POST("/rounds/open", idem("rounds.open"), roundHandlers.OpenHandler())
	project.GET("/rounds", roundHandlers.ListHandler())

	round := project.Group("/rounds/:t")
	{
		round.GET("", roundHandlers.GetHandler())
		round.POST("/close", idem("rounds.close"), roundHandlers.CloseHandler())
		round.POST("/lock", idem("rounds.lock"), roundHandlers.LockHandler())

		round.POST("/bids/quote", idem("bids.quote"), bidHandlers.PutHandler(bids.KindQuote))
		round.POST("/bids/ask", idem("bids.ask"), bidHandlers.PutHandler(bids.KindAsk))
		round.POST("/bids/preference", idem("bids.preference"), bidHandlers.PutHandler(bids.KindPreference))
		round.GET("/bids/mine", bidHandlers.MineHandler())

		round.POST("/charges", idem("charges.round"), chargeHandlers.SetRoundChargeHandler())

		round.POST("/matching", idem("matching"), matchingHandlers.ComputeHandler())
		round.GET("/matching", matchingHandlers.GetHandler())
		round.POST("/settlement", idem("settlement"), settlementHandlers.ComputeHandler())
		round.GET("/settlement", settlementHandlers.GetHandler())

		round.POST("/default", idem("default"), defaultHandlers.DeclareDefaultHandler())
		round.POST("/developer-default", idem("developer-default"), defaultHandlers.DeclareDeveloperDefaultHandler())
		round.POST("/penalty", idem("penalty"), defaultHandlers.PenaltyHandler())
		round.POST("/compensatory", idem("compensatory"), defaultHandlers.CompensatoryHandler())
		round.POST("/developer-compensatory", idem("developer-compensatory"), defaultHandlers.DeveloperCompensatoryHandler())
		round.GET("/cascade", defaultHandlers.CascadeHandler())
	}

	project.GET("/settlements", settlementHandlers.ListHandler())
	project.POST("/charges/model", idem("charges.model"), chargeHandlers.PublishModelHandler())

	project.POST("/contracts", idem("contracts"), contractHandlers.CreateHandler())
	project.GET("/contracts", contractHandlers.ListHandler())
	project.GET("/contracts/:contract_id", contractHandlers.GetHandler())

	project.GET("/ledger", ledgerHandlers.ListEntriesHandler())
	project.GET("/ledger/verify", ledgerHandlers.VerifyHandler())
	project.GET("/ledger/:entry_id", ledgerHandlers.GetEntryHandler())

	project.POST("/phase/transition", idem("phase.transition"), phaseHandlers.TransitionHandler())
	project.GET("/phase", phaseHandlers.CurrentHandler())
	project.GET("/phase/history", phaseHandlers.HistoryHandler())
}
