// Package server exposes the vault over HTTP: the deposit and redemption
// submission interfaces, the query interface for the indexer/dashboard, and
// the operator interface. All monetary fields cross this boundary as
// decimal-string-encoded integers.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/collateral"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/config"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/ledger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/oracle"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/redemption"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/stats"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
)

// Server wires the vault services into a gin engine.
type Server struct {
	logger    *zap.Logger
	reporter  *oracle.Reporter
	registry  *collateral.Registry
	ledger    *ledger.Service
	queue     *redemption.Service
	stats     *stats.Service
	operators map[string]auth.Context
}

// NewServer creates the API server. Operator API keys are resolved into
// capability contexts once, at construction.
func NewServer(logger *zap.Logger, reporter *oracle.Reporter, registry *collateral.Registry, ledgerSvc *ledger.Service, queue *redemption.Service, statsSvc *stats.Service, operatorKeys []config.OperatorKey) *Server {
	operators := make(map[string]auth.Context, len(operatorKeys))
	for _, op := range operatorKeys {
		var caps []auth.Capability
		for _, label := range op.Capabilities {
			if c, ok := auth.ParseCapability(label); ok {
				caps = append(caps, c)
			} else {
				logger.Warn("ignoring unknown capability", zap.String("capability", label), zap.String("actor", op.Actor))
			}
		}
		operators[op.Key] = auth.New(op.Actor, caps...)
	}
	return &Server{
		logger:    logger,
		reporter:  reporter,
		registry:  registry,
		ledger:    ledgerSvc,
		queue:     queue,
		stats:     statsSvc,
		operators: operators,
	}
}

// Router builds the gin engine with middleware and all routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Content-Type", "X-Operator-Key", "X-Actor-Address"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/deposits", s.handleDeposit)
		v1.GET("/deposits/preview", s.handlePreviewDeposit)
		v1.POST("/withdrawals", s.handleWithdraw)
		v1.POST("/transfers", s.handleTransfer)

		v1.POST("/redemptions", s.handleSubmitRedemption)
		v1.GET("/redemptions", s.handleListRedemptions)
		v1.GET("/redemptions/:id", s.handleGetRedemption)
		v1.POST("/redemptions/:id/cancel", s.handleCancelRedemption)

		v1.GET("/nav", s.handleGetNav)
		v1.GET("/assets", s.handleListAssets)
		v1.GET("/stats", s.handleStats)

		ops := v1.Group("", s.operatorAuth())
		{
			ops.POST("/redemptions/:id/approve", s.handleApproveRedemption)
			ops.POST("/redemptions/:id/reject", s.handleRejectRedemption)
			ops.POST("/redemptions/:id/settle", s.handleSettleRedemption)
			ops.POST("/redemptions/:id/retry", s.handleRetryRedemption)
			ops.POST("/nav", s.handleUpdateNav)
			ops.POST("/nav/deviation", s.handleSetDeviation)
			ops.POST("/nav/updaters", s.handleSetUpdater)
			ops.POST("/liquidity/add", s.handleAddLiquidity)
			ops.POST("/liquidity/remove", s.handleRemoveLiquidity)
			ops.POST("/assets", s.handleAddAsset)
			ops.DELETE("/assets/:address", s.handleRemoveAsset)
		}
	}

	return router
}

const authContextKey = "vault-auth-context"

// operatorAuth resolves X-Operator-Key into a capability context. Unknown
// keys get an empty capability set; the services make the final decision.
func (s *Server) operatorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Operator-Key")
		a, ok := s.operators[key]
		if !ok {
			a = auth.Anonymous(c.GetHeader("X-Actor-Address"))
		}
		c.Set(authContextKey, a)
		c.Next()
	}
}

func (s *Server) authFrom(c *gin.Context) auth.Context {
	if v, ok := c.Get(authContextKey); ok {
		if a, ok := v.(auth.Context); ok {
			return a
		}
	}
	// Outside the operator group resolve the key directly, so owner-facing
	// endpoints like cancel still honor operator credentials.
	if a, ok := s.operators[c.GetHeader("X-Operator-Key")]; ok {
		return a
	}
	return auth.Anonymous(c.GetHeader("X-Actor-Address"))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the typed error taxonomy onto HTTP statuses and returns
// the machine-checkable code plus the human-readable reason.
func (s *Server) respondError(c *gin.Context, err error) {
	code := vaulterrors.CodeOf(err)
	status := vaulterrors.HTTPStatus(err)
	if code == "INTERNAL" {
		s.logger.Error("internal error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
