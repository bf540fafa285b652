package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quocanhngo/convo/internal/middleware"
	"github.com/quocanhngo/convo/pkg/auth"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Routes bundles what the router mounts
type Routes struct {
	Auth       *AuthHandler
	Chat       *ChatHandler
	WS         *WSHandler
	Upload     *UploadHandler // nil disables avatar upload
	JWT        *auth.JWTManager
	Revoker    auth.Revoker
	Origins    []string
	SwaggerDoc string // path of swagger.json; empty disables the docs
}

// NewRouter builds the HTTP API
func NewRouter(r Routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	if r.SwaggerDoc != "" {
		// Serve swagger.json at /docs/swagger.json to avoid conflict with /swagger/* wildcard
		router.StaticFile("/docs/swagger.json", r.SwaggerDoc)
		url := ginSwagger.URL("/docs/swagger.json")
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, url))
	}

	// Global middleware
	router.Use(middleware.CORSMiddleware(r.Origins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "convo-api",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api/v1")
	{
		// Auth routes (public)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", r.Auth.Register)
			authGroup.POST("/login", r.Auth.Login)
		}

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthMiddleware(r.JWT, r.Revoker))
		{
			// Auth
			protected.POST("/auth/logout", r.Auth.Logout)
			protected.GET("/auth/profile", r.Auth.GetProfile)
			protected.GET("/users/search", r.Auth.SearchUsers)
			if r.Upload != nil {
				protected.PUT("/auth/profile/avatar", r.Upload.UploadAvatar)
			}

			// Session
			protected.GET("/session", r.Chat.GetSession)
			protected.PUT("/session/composer", r.Chat.SetComposer)
			protected.POST("/session/send", r.Chat.Send)
			protected.DELETE("/session/selection", r.Chat.Deselect)

			// Conversations
			protected.GET("/conversations", r.Chat.GetConversations)
			protected.POST("/conversations", r.Chat.CreateConversation)
			protected.POST("/conversations/:id/select", r.Chat.Select)
			protected.POST("/conversations/:id/hide", r.Chat.Hide)
			protected.GET("/conversations/:id/messages", r.Chat.GetMessages)

			// Participants
			protected.GET("/conversations/:id/participants", r.Chat.GetParticipants)
			protected.DELETE("/conversations/:id/participants/:uid", r.Chat.RemoveParticipant)
			protected.PATCH("/conversations/:id/participants/:uid", r.Chat.ChangeRole)
		}
	}

	// WebSocket endpoint (auth via query parameter)
	if r.WS != nil {
		router.GET("/ws", r.WS.HandleWebSocket)
	}

	return router
}
