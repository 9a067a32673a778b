package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrRoomNotFound = errors.New("room not found")

type RoomInfo struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

// HTTPURL turns a server base url into its http(s) form.
func HTTPURL(server string) string {
	u := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		return u
	default:
		return "http://" + u
	}
}

// FetchRoom reads the current membership of roomID.
func FetchRoom(ctx context.Context, httpClient *http.Client, server, roomID string) (RoomInfo, error) {
	endpoint := HTTPURL(server) + "/api/v1/rooms/" + url.PathEscape(roomID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RoomInfo{}, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("failed to fetch room: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Data  RoomInfo `json:"data"`
		Error string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RoomInfo{}, fmt.Errorf("failed to decode room: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body.Data, nil
	case http.StatusNotFound:
		return RoomInfo{}, ErrRoomNotFound
	default:
		return RoomInfo{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body.Error)
	}
}
