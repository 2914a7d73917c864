package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"construction-migration-backend/internal/config"
	"construction-migration-backend/internal/connector"
	handler "construction-migration-backend/internal/handlers"
	"construction-migration-backend/internal/repository"
	"construction-migration-backend/internal/services/migration"
)

func RegisterRoutes(r *gin.Engine, db *gorm.DB, logger *zap.Logger, cfg config.Settings) {
	store := repository.NewJobStore(db)
	dest := repository.NewDestination(db, cfg.UpdatePolicy)

	registry := connector.NewRegistry()
	registry.Register("estimating_csv", func() connector.Connector {
		return connector.NewCSVConnector("estimating_csv")
	})
	registry.Register("schedule_csv", func() connector.Connector {
		return connector.NewCSVConnector("schedule_csv")
	})

	runner := migration.NewRunner(store, store, registry, dest, dest, cfg.Migration, logger)

	migrationHandler := handler.NewMigrationHandler(runner, store)

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Migration job routes
	jobs := api.Group("/migrations")
	jobs.POST("", migrationHandler.Submit)
	jobs.GET("/:jobId", migrationHandler.GetStatus)
	jobs.POST("/:jobId/cancel", migrationHandler.Cancel)
	jobs.POST("/:jobId/resume", migrationHandler.Resume)
	jobs.GET("/:jobId/report", migrationHandler.GetReport)
	jobs.GET("/:jobId/issues", migrationHandler.ListIssues)
}
