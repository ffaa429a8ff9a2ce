package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-realtime/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
}

type Join struct {
	RoomId string `json:"room_id"`
	Cursor int64  `json:"cursor"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notification struct {
	Resync *Resync `json:"resync,omitempty"`
}

// Resync tells the client its subscription was dropped. It should join
// again from Cursor.
type Resync struct {
	RoomId string `json:"room_id"`
	Cursor int64  `json:"cursor"`
}

func response(id, code int, errMsg string, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrCreated(id int, data map[string]any) *ServerMessage {
	return response(id, http.StatusCreated, "", data)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return response(max(id, 0), http.StatusBadRequest, "invalid message format", nil)
}

func ErrSubscriptionNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "not subscribed to room", nil)
}

// ErrResponse maps a chat error to its response code.
func ErrResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		return response(id, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, types.ErrNotFound):
		return response(id, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, types.ErrResyncRequired):
		return response(id, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, types.ErrUnavailable):
		return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
	default:
		return response(id, http.StatusInternalServerError, "internal server error", nil)
	}
}

func MessageNotification(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &msg,
	}
}

func ResyncNotification(roomId string, cursor int64) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Resync: &Resync{RoomId: roomId, Cursor: cursor},
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
