package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with every route wired up.
func NewRouter(app *App) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(app.Logger), gin.Recovery(), corsMiddleware())

	router.GET("/health", HealthCheckHandler)
	router.GET("/api/health", HealthCheckHandler)
	router.GET("/", rootHandler)

	// Retell webhooks
	router.POST("/retell-webhook", RetellWebhookHandler(app))
	router.POST("/retell-booking", RetellBookingHandler(app))

	// Dashboard API
	api := router.Group("/api")
	api.GET("/clients", ListClientsHandler(app))
	api.POST("/clients", CreateClientHandler(app))
	api.PUT("/clients/:id", UpdateClientHandler(app))
	api.DELETE("/clients/:id", DeleteClientHandler(app))
	api.GET("/logs", ListLogsHandler(app))

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Id, X-Retell-Signature")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "running",
		"message": "Retell Cal Relay",
		"version": Version,
		"endpoints": gin.H{
			"health": "/health",
			"webhooks": gin.H{
				"retell_webhook": "/retell-webhook",
				"retell_booking": "/retell-booking",
			},
			"dashboard": gin.H{
				"clients": "/api/clients",
				"logs":    "/api/logs",
			},
		},
	})
}

var (
	serverlessOnce    sync.Once
	serverlessHandler http.Handler
)

// Handler is the entry point for serverless hosts such as Vercel. The router
// is built on the first request and reused while the instance stays warm.
func Handler(w http.ResponseWriter, r *http.Request) {
	serverlessOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
		serverlessHandler = newServerlessHandler("")
	})
	serverlessHandler.ServeHTTP(w, r)
}

// newServerlessHandler builds the router the same way the server does. When
// configuration or the store cannot be loaded every request gets a 500, so a
// broken deployment never runs on defaults or loses writes to memory.
func newServerlessHandler(configPath string) http.Handler {
	config, err := LoadConfigFile(configPath)
	if err != nil {
		logger := MustNewLogger("info", "json")
		logger.Error("invalid configuration", zap.Error(err))
		return unavailableHandler("Configuration error")
	}
	logger := MustNewLogger(config.LogLevel, config.LogFormat)

	store, err := NewStore(config)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return unavailableHandler("Storage error")
	}
	repo := NewRepository(store, config.MaxCallLogs)
	app := NewApp(config, repo, NewCalService(config, logger), logger)
	return NewRouter(app)
}

func unavailableHandler(message string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(WebhookResponse{Success: false, Message: message})
	})
}
