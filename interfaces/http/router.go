package httpiface

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	domain "dashscope-proxy/domain/chat"
	"dashscope-proxy/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type ChatService interface {
	Chat(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Stream(ctx context.Context, req *domain.Request, onChunk domain.StreamHandler[domain.StreamChunk]) error
}

// BreakerStateSource exposes circuit breaker states for health reporting
type BreakerStateSource interface {
	GetCircuitStates() map[string]gobreaker.State
}

// UsageSource exposes aggregated usage for the metrics endpoint
type UsageSource interface {
	Snapshot() usage.Snapshot
	Health() usage.Health
}

type Router struct {
	service     ChatService
	corsOrigins []string
	breakers    BreakerStateSource
	usage       UsageSource
}

func NewRouter(service ChatService, corsOrigins []string) *Router {
	return &Router{
		service:     service,
		corsOrigins: corsOrigins,
	}
}

// NewRouterWithObservability creates a router that also serves breaker states
// and usage metrics
func NewRouterWithObservability(service ChatService, corsOrigins []string, breakers BreakerStateSource, usageSource UsageSource) *Router {
	return &Router{
		service:     service,
		corsOrigins: corsOrigins,
		breakers:    breakers,
		usage:       usageSource,
	}
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints - no request ID required for monitoring tools
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	// Business API endpoints - tagged with a request ID for tracing
	api := router.Group("/")
	api.Use(r.requestIDMiddleware())
	api.POST("/chat/completions", r.chatCompletions)

	if r.usage != nil {
		api.GET("/metrics", r.getUsageMetrics)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware echoes a client-provided X-Request-ID when it is a
// valid UUID and generates one otherwise
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID != "" {
			if _, err := uuid.Parse(requestID); err != nil {
				c.Header("X-Client-Request-ID", requestID) // Echo back original
				requestID = uuid.New().String()
			}
		} else {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		c.Next()
	}
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api": "ok",
	}

	overallOK := true

	if r.usage != nil {
		uh := r.usage.Health()
		checks["usage_recorder"] = uh
		if !uh.IsRunning {
			overallOK = false
		}
	}

	if r.breakers != nil {
		states := gin.H{}
		for model, state := range r.breakers.GetCircuitStates() {
			states[model] = state.String()
			if state == gobreaker.StateOpen {
				overallOK = false
			}
		}
		checks["circuit_breakers"] = states
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "dashscope-proxy",
		"checks":    checks,
	})
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if r.usage != nil {
		uh := r.usage.Health()
		checks["usage_recorder"] = uh
		if !uh.IsRunning {
			ready = false
		}
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (r *Router) getUsageMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, r.usage.Snapshot())
}

func (r *Router) chatCompletions(c *gin.Context) {
	var req domain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Error("Failed to bind request")
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid request format"})
		return
	}

	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Messages cannot be empty"})
		return
	}

	requestIDVal, _ := c.Get("request_id")

	if req.Stream {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "Streaming not supported by server"})
			return
		}

		if err := r.service.Stream(c.Request.Context(), &req, func(chunk domain.StreamChunk) error {
			data, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			if _, err := c.Writer.Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Writer.Write(data); err != nil {
				return err
			}
			if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}); err != nil {
			// Text already relayed stays valid; the stream just ends here.
			logrus.WithFields(logrus.Fields{
				"request_id": requestIDVal,
			}).WithError(err).Error("Streaming failed")
			return
		}
		c.Writer.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()

		logrus.WithFields(logrus.Fields{
			"request_id": requestIDVal,
			"streaming":  true,
		}).Info("Stream completed")
		return
	}

	resp, err := r.service.Chat(c.Request.Context(), &req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"request_id": requestIDVal,
		}).WithError(err).Error("Failed to process chat completion")
		c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "Failed to process request"})
		return
	}

	logrus.WithFields(logrus.Fields{
		"request_id":       requestIDVal,
		"model":            resp.Model,
		"usage_total":      resp.Usage.TotalTokens,
		"usage_prompt":     resp.Usage.PromptTokens,
		"usage_completion": resp.Usage.CompletionTokens,
		"streaming":        false,
	}).Info("Chat usage")

	c.JSON(http.StatusOK, resp)
}
