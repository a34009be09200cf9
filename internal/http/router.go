package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configura el router de Gin con middlewares y rutas de dialogos.
func NewRouter(
	logger *zap.Logger,
	verifier AccessTokenVerifier,
	dialogueH *DialogueHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := JWTAuthMiddleware(verifier)

	lessons := r.Group("/lessons", auth)
	lessons.POST("/:id/dialogues", dialogueH.OpenDialogue)
	lessons.GET("/:id/dialogue-records", dialogueH.ListRecords)

	dialogues := r.Group("/dialogues", auth)
	dialogues.GET("/:id", dialogueH.GetDialogue)
	dialogues.DELETE("/:id", dialogueH.DeleteDialogue)
	dialogues.POST("/:id/turns", dialogueH.PostTurn)
	dialogues.PUT("/:id/input", dialogueH.PutInput)
	dialogues.POST("/:id/input/submit", dialogueH.SubmitInput)
	dialogues.POST("/:id/evaluation", dialogueH.Evaluate)
	dialogues.POST("/:id/submit", dialogueH.SubmitAndEvaluate)
	dialogues.POST("/:id/save", dialogueH.Save)
	dialogues.GET("/:id/events", dialogueH.Events)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
// El query string no se loguea porque puede traer el access token.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json salvo en el upgrade websocket.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			c.Writer.Header().Set("Content-Type", "application/json")
		}
		c.Next()
	}
}
