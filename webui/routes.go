package webui

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes registers the REST API, the websocket stream and /metrics.
//
// Node ids are passed as wildcard path segments, so string ids may contain
// slashes:
//
//	GET /api/nodes/ns=2;s=Line/1/Speed
func (s *Server) setupRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.POST("/restart", s.restartDriver)
		api.GET("/logs", getLogs)
		api.DELETE("/logs", clearLogs)

		api.GET("/namespaces", s.getNamespaces)
		api.GET("/nodes/*id", s.readNode)
		api.PUT("/nodes/*id", s.writeNode)
		api.GET("/describe/*id", s.describeNode)
		api.POST("/methods/call", s.callMethod)

		api.GET("/subscriptions", s.getSubscriptions)
		api.POST("/subscriptions", s.subscribe)
		api.DELETE("/subscriptions/*id", s.unsubscribe)

		api.GET("/ws", s.hub.serveWS)
	}

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	}
}
