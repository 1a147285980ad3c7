package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chat-sync/internal/metrics"
)

// NewRouter configura el router de Gin con middlewares y rutas base.
// chatH puede ser nil cuando no hay LLM configurado.
func NewRouter(
	logger *zap.Logger,
	messageH *MessageHandler,
	eventsH *EventsHandler,
	chatH *ChatHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, metricas y recovery.
	r.Use(zapLoggerMiddleware(logger), metricsMiddleware(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/events", eventsH.Stream)

	api := r.Group("", jsonContentTypeMiddleware())

	messages := api.Group("/messages")
	messages.GET("", messageH.ListMessages)
	messages.POST("", messageH.AddMessage)
	messages.PUT("", messageH.SetMessages)
	messages.DELETE("", messageH.ClearMessages)
	messages.PATCH("/:id", messageH.UpdateMessage)
	messages.POST("/:id/displayed", messageH.MarkDisplayed)
	messages.POST("/:id/animated", messageH.MarkAnimated)

	stream := api.Group("/stream")
	stream.POST("", messageH.StartStream)
	stream.POST("/:id/token", messageH.AppendStreamToken)
	stream.POST("/:id/finalize", messageH.FinalizeStream)
	api.POST("/typing", messageH.AppendTypingToken)

	api.GET("/pagination", messageH.GetPagination)
	api.POST("/pages/next", messageH.LoadNextPage)

	api.PUT("/conversation", messageH.SetCurrentConversation)
	api.POST("/reset", messageH.Reset)
	api.GET("/conversations", messageH.ListConversations)
	api.POST("/conversations", messageH.StartConversation)
	api.PUT("/user", messageH.SetCurrentUser)

	api.GET("/pending", messageH.ListPending)
	api.POST("/pending/flush", messageH.FlushPending)
	api.POST("/connectivity", messageH.SetConnectivity)
	api.GET("/debug", messageH.Debug)

	if chatH != nil {
		api.POST("/chat", chatH.Send)
	}

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// metricsMiddleware registra conteo y latencia por ruta (plantilla, no path real).
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
