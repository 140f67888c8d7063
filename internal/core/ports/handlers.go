package ports

import "github.com/gin-gonic/gin"

type RoomHTTPHandler interface {
	ListPublicRooms(c *gin.Context)
	GetPublicRoom(c *gin.Context)
}

type WebSocketHandler interface {
	ServeWS(c *gin.Context)
}
