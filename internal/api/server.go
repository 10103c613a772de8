// Package api is the HTTP surface of the engine: auth, strategy CRUD with
// save-time validation, portfolio views, manual orders and live trade push.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/ledger"
	"papertrader/internal/monitor"
	"papertrader/internal/pricing"
	"papertrader/internal/scheduler"
	"papertrader/pkg/db"
)

// Server wires HTTP endpoints around the engine components.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Ledger    *ledger.Ledger
	Sched     *scheduler.Scheduler
	Prices    pricing.Source
	Metrics   *monitor.Metrics
	Logger    *zap.Logger
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	InstanceID  string
	Assets      []string
	UseMockFeed bool
	Version     string
}

func NewServer(bus *events.Bus, database *db.Database, lgr *ledger.Ledger,
	sched *scheduler.Scheduler, prices pricing.Source, metrics *monitor.Metrics,
	logger *zap.Logger, jwtSecret string, meta SystemMeta) *Server {

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(logger))
	r.Use(TimeoutMiddleware(30*time.Second, logger))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Ledger:    lgr,
		Sched:     sched,
		Prices:    prices,
		Metrics:   metrics,
		Logger:    logger,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/strategies", s.listStrategies)
			protected.POST("/strategies", s.createStrategy)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.PUT("/strategies/:id", s.updateStrategy)
			protected.DELETE("/strategies/:id", s.deleteStrategy)
			protected.POST("/strategies/:id/enable", s.enableStrategy)
			protected.POST("/strategies/:id/disable", s.disableStrategy)

			protected.GET("/portfolio", s.getPortfolio)
			protected.GET("/transactions", s.getTransactions)
			protected.POST("/orders", s.submitOrder)
			protected.POST("/portfolio/reset", s.resetPortfolio)

			protected.GET("/prices/:asset", s.getPrice)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instance_id":   s.Meta.InstanceID,
		"assets":        s.Meta.Assets,
		"use_mock_feed": s.Meta.UseMockFeed,
		"version":       s.Meta.Version,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
