package controller

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/inkroom/server/internal/service/room"
	"github.com/inkroom/server/pkg/rest"
)

type getRoomResponse struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

func (c *controller) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room-id")

	members, err := c.roomService.Members(roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			rest.WriteJSON(w, http.StatusNotFound, rest.Envelope{"error": err.Error()})
			return
		}

		c.logger.WarnContext(r.Context(), "failed to get room", "room_id", roomID, "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": err.Error()})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": getRoomResponse{
		RoomID:  roomID,
		Members: members,
	}})
}
