package main

import (
	"log"
	"time"

	"construction-migration-backend/internal/config"
	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/routes"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on system env")
	}

	cfg := config.Load()
	db := config.InitDB()
	logger := config.NewLogger()
	defer logger.Sync()

	db.AutoMigrate(
		&models.MigrationJob{},
		&models.MappingRuleSet{},
		&models.CanonicalRecord{},
		&models.ImportBatch{},
		&models.Checkpoint{},
		&models.MigrationIssue{},
		&models.ReconciliationReport{},
	)

	r := gin.Default()
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, db, logger, cfg)

	r.Run(cfg.Addr)
}
