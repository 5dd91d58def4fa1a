package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	PostMessage(c *gin.Context)
	GetStatus(c *gin.Context)
	ListSessions(c *gin.Context)
	Health(c *gin.Context)
	Ready(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(c *gin.Context)
}
