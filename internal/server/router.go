package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"vpn-console/internal/accounts"
	"vpn-console/internal/activity"
	"vpn-console/internal/auth"
	"vpn-console/internal/feed"
	"vpn-console/internal/handler"
	"vpn-console/internal/ledger"
	"vpn-console/internal/metrics"
	"vpn-console/internal/middleware"
	"vpn-console/internal/store"
	"vpn-console/internal/withdrawal"
)

type Deps struct {
	Store       store.Store
	Feed        *feed.Feed
	Accounts    *accounts.Service
	Ledger      *ledger.Mutator
	Withdrawals *withdrawal.Workflow
	Activity    *activity.Log
	Auth        *auth.Authenticator
	Metrics     *metrics.Collector
	Logger      logrus.FieldLogger
	TokenConfig auth.TokenConfig
	DeviceKey   string
	Limiters    Limiters
	Now         func() time.Time
}

// Limiters are owned by the caller, which must Close them once the router
// stops serving. A nil limiter leaves its routes unthrottled.
type Limiters struct {
	Login    *middleware.RateLimiter
	Mutation *middleware.RateLimiter
}

func DefaultLimiters() Limiters {
	return Limiters{
		Login:    middleware.NewRateLimiter(10, time.Minute),
		Mutation: middleware.NewRateLimiter(120, time.Minute),
	}
}

func (l Limiters) Close() {
	if l.Login != nil {
		l.Login.Close()
	}
	if l.Mutation != nil {
		l.Mutation.Close()
	}
}

func limit(rl *middleware.RateLimiter, key func(*gin.Context) string) gin.HandlerFunc {
	if rl == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimitMiddleware(rl, key)
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger.WithField("component", "http")))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	healthHandler := &handler.HealthHandler{Store: deps.Store}
	r.GET("/health", healthHandler.Check)

	authHandler := &handler.AuthHandler{Auth: deps.Auth}
	loginLimit := limit(deps.Limiters.Login, middleware.ClientIPKey)
	r.POST("/v1/auth/challenge", loginLimit, authHandler.Challenge)
	r.POST("/v1/auth", loginLimit, authHandler.Login)

	var streamRecorder handler.StreamRecorder
	if deps.Metrics != nil {
		streamRecorder = deps.Metrics
	}
	streamHandler := &handler.StreamHandler{
		Feed:        deps.Feed,
		TokenConfig: deps.TokenConfig,
		Recorder:    streamRecorder,
		Logger:      logger.WithField("component", "stream"),
	}
	r.GET("/v1/stream", streamHandler.Serve)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	mutationLimit := limit(deps.Limiters.Mutation, middleware.OperatorKey)

	accountHandler := &handler.AccountHandler{Accounts: deps.Accounts, Ledger: deps.Ledger, Activity: deps.Activity, Now: deps.Now}
	protected.GET("/accounts", accountHandler.List)
	protected.GET("/accounts/:id", accountHandler.Get)
	protected.GET("/accounts/:id/activity", accountHandler.Activity)
	protected.POST("/accounts/:id/ban", mutationLimit, accountHandler.Ban)
	protected.POST("/accounts/:id/unban", mutationLimit, accountHandler.Unban)
	protected.POST("/accounts/:id/balance", mutationLimit, accountHandler.AdjustBalance)
	protected.POST("/accounts/:id/vpn-time", mutationLimit, accountHandler.AdjustVpnTime)

	withdrawalHandler := &handler.WithdrawalHandler{Workflow: deps.Withdrawals}
	protected.GET("/withdrawals", withdrawalHandler.List)
	protected.GET("/withdrawals/:id", withdrawalHandler.Get)
	protected.POST("/withdrawals/:id/process", mutationLimit, withdrawalHandler.Process)

	device := r.Group("/device/v1")
	device.Use(middleware.RequireDeviceKey(deps.DeviceKey))
	deviceHandler := &handler.DeviceHandler{Accounts: deps.Accounts, Workflow: deps.Withdrawals, Activity: deps.Activity, Now: deps.Now}
	device.POST("/checkin", deviceHandler.CheckIn)
	device.POST("/withdrawals", deviceHandler.CreateWithdrawal)
	device.POST("/rewards", deviceHandler.Reward)

	return r
}
