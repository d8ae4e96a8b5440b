package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Register wires HTTP routes to handlers.
// Keep this free of business logic. Handlers delegate to internal modules.
func Register(r *gin.Engine, h Handlers, authMW gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Token issuance is public.
	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.DELETE("/session", h.Logout)

		scopes := v1.Group("/scopes")
		{
			scopes.POST("", h.OpenScope)
			scopes.GET("", h.ListScopes)
			scopes.DELETE("/:scope_id", h.CloseScope)

			scopes.GET("/:scope_id/stream", h.Stream)

			call := scopes.Group("/:scope_id/call")
			call.GET("", h.GetCall)
			call.POST("/initiate", h.Initiate)
			call.POST("/accept", h.Accept)
			call.POST("/decline", h.Decline)
			call.POST("/end", h.End)
			call.POST("/engine-error", h.EngineError)
			call.POST("/ack", h.AcknowledgeError)
		}

		members := v1.Group("/groups/:group_id/members")
		{
			members.POST("", h.JoinGroup)
			members.DELETE("", h.LeaveGroup)
		}

		logs := v1.Group("/calls")
		{
			logs.GET("/history", h.ListHistory)
			logs.GET("/summary", h.Summary)
		}

		engine := v1.Group("/engine")
		{
			engine.GET("", h.EngineStatus)
			engine.POST("/ready", h.EngineReady)
		}
	}
}
