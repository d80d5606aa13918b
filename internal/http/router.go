package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/propertyops/orchestrator/internal/approval"
	"github.com/propertyops/orchestrator/internal/config"
	"github.com/propertyops/orchestrator/internal/db"
	"github.com/propertyops/orchestrator/internal/http/handlers"
	"github.com/propertyops/orchestrator/internal/http/middleware"
	"github.com/propertyops/orchestrator/internal/metrics"
	"github.com/propertyops/orchestrator/internal/workflow"

	_ "github.com/propertyops/orchestrator/docs"
)

func Router(cfg config.Config, store *db.Store, engine *workflow.Engine, approvals *approval.Router, metricsSvc *metrics.Service, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:     store,
		Engine:    engine,
		Approvals: approvals,
		Metrics:   metricsSvc,
		Validator: validator.New(),
		Logger:    logger,
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.POST("/orchestrate/inbound", h.Inbound)
		api.GET("/workflows", h.WorkflowsList)
		api.GET("/workflows/:id", h.WorkflowByConversation)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.GET("/metrics", h.MetricsSummary)
		admin.GET("/dependencies", h.Dependencies)
		admin.GET("/approvals", h.ApprovalsList)
		admin.POST("/approvals/:id/resolve", h.ApprovalResolve)
		admin.POST("/escalations", h.EscalationCreate)
		admin.POST("/workflows/:id/retry", h.WorkflowRetry)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
