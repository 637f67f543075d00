// Package gateway exposes the assistant over HTTP: token exchange, chat,
// and read-only views of the tool catalog and server fleet.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/halcyon-chat/halcyon/internal/agent"
	"github.com/halcyon-chat/halcyon/internal/toolserver"
)

// Responder answers one user turn. *agent.Agent satisfies it.
type Responder interface {
	Respond(ctx context.Context, channel, userRef, input string) (*agent.Reply, error)
}

// Catalog is the read-only broker view. *toolserver.Registry satisfies it.
type Catalog interface {
	ListTools() []toolserver.Tool
	Servers() []toolserver.ServerStatus
}

// Options tunes the HTTP surface.
type Options struct {
	CORSOrigins    []string
	RateLimitRPS   int
	BodyLimitBytes int64
}

// Server holds the gateway's handlers.
type Server struct {
	responder Responder
	catalog   Catalog
	tokens    *TokenIssuer
	logger    *zap.Logger
}

// NewServer creates a Server.
func NewServer(responder Responder, catalog Catalog, tokens *TokenIssuer, logger *zap.Logger) *Server {
	return &Server{
		responder: responder,
		catalog:   catalog,
		tokens:    tokens,
		logger:    logger,
	}
}

// Router builds the gin engine with the full middleware chain.
func (s *Server) Router(opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(securityHeaders())
	if opts.BodyLimitBytes > 0 {
		router.Use(bodyLimit(opts.BodyLimitBytes))
	}
	if opts.RateLimitRPS > 0 {
		router.Use(rateLimiter(opts.RateLimitRPS, opts.RateLimitRPS*2))
	}
	router.Use(requestLogger(s.logger))

	// Public
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", s.ExchangeToken)

	authed := v1.Group("")
	authed.Use(requireToken(s.tokens))
	authed.POST("/chat", s.Chat)
	authed.GET("/tools", s.ListTools)
	authed.GET("/servers", s.ListServers)

	return router
}

type tokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// ExchangeToken handles POST /api/v1/auth/token.
func (s *Server) ExchangeToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}

	token, ttl, err := s.tokens.Exchange(req.APIKey)
	if err != nil {
		s.logger.Warn("token exchange rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
	Channel string `json:"channel"`
	UserRef string `json:"user_ref"`
}

// Chat handles POST /api/v1/chat: one user turn through the agent.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if req.Channel == "" {
		req.Channel = "api"
	}
	if req.UserRef == "" {
		req.UserRef = c.GetString(callerKey)
	}

	reply, err := s.responder.Respond(c.Request.Context(), req.Channel, req.UserRef, req.Message)
	if err != nil {
		s.logger.Error("chat turn failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "assistant unavailable"})
		return
	}
	c.JSON(http.StatusOK, reply)
}

// ListTools handles GET /api/v1/tools: the aggregate namespaced catalog.
func (s *Server) ListTools(c *gin.Context) {
	tools := s.catalog.ListTools()
	out := make([]gin.H, 0, len(tools))
	for _, t := range tools {
		out = append(out, gin.H{
			"name":         t.Name,
			"server":       t.Server,
			"description":  t.Description,
			"input_schema": t.InputSchema,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

// ListServers handles GET /api/v1/servers: per-server connection state.
func (s *Server) ListServers(c *gin.Context) {
	servers := s.catalog.Servers()
	out := make([]gin.H, 0, len(servers))
	for _, sv := range servers {
		out = append(out, gin.H{
			"name":  sv.Name,
			"state": sv.State,
			"tools": sv.Tools,
		})
	}
	c.JSON(http.StatusOK, gin.H{"servers": out})
}
