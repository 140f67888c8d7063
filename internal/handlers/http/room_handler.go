package http

import (
	"errors"
	"net/http"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	apperrors "meshroom/pkg/errors"
	"meshroom/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the public room directory over REST. The same data is
// pushed to websocket clients as rooms-update.
type RoomHandler struct {
	roomService ports.RoomService
}

var _ ports.RoomHTTPHandler = (*RoomHandler)(nil)

func NewRoomHandler(roomService ports.RoomService) *RoomHandler {
	return &RoomHandler{roomService: roomService}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListPublicRooms)
		api.GET("/rooms/:id", h.GetPublicRoom)
	}
}

func (h *RoomHandler) ListPublicRooms(c *gin.Context) {
	rooms, err := h.roomService.PublicRooms(c.Request.Context())
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to list rooms", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// GetPublicRoom returns 404 for private rooms as well as missing ones.
func (h *RoomHandler) GetPublicRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	room, err := h.roomService.PublicRoom(c.Request.Context(), domain.RoomID(roomID))
	if errors.Is(err, domain.ErrRoomNotFound) {
		c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
		return
	}
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": room})
}
