package domain

import "time"

// WebSocket message types from client.
const (
	MsgTypeJoinRoom    = "joinRoom"
	MsgTypeSendMessage = "sendMessage"
	MsgTypeLeaveRoom   = "leaveRoom"
	MsgTypePing        = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeJoinRoomAck  = "joinRoomAck"
	MsgTypeLeaveRoomAck = "leaveRoomAck"
	MsgTypeNewMessage   = "newMessage"
	MsgTypeError        = "error"
	MsgTypePong         = "pong"
)

// Error codes
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotInRoom     = "NOT_IN_ROOM"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type JoinRoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

type SendMessageMessage struct {
	Type            string     `json:"type"`
	ID              string     `json:"id,omitempty"`
	RoomID          string     `json:"roomId" validate:"required"`
	SenderID        string     `json:"senderId" validate:"required"`
	SenderName      string     `json:"senderName"`
	SenderAvatarURL string     `json:"senderAvatarUrl,omitempty"`
	Content         string     `json:"content" validate:"required"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// ToChatMessage converts the frame into an unsaved message.
func (m *SendMessageMessage) ToChatMessage() ChatMessage {
	msg := ChatMessage{
		ID:              m.ID,
		RoomID:          m.RoomID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		SenderAvatarURL: m.SenderAvatarURL,
		Content:         m.Content,
	}
	if m.Timestamp != nil {
		msg.Timestamp = *m.Timestamp
	}
	return msg
}

// Server -> Client messages

type JoinRoomAckMessage struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	RoomID string `json:"roomId"`
	Error  string `json:"error,omitempty"`
}

type LeaveRoomAckMessage struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

type NewMessageOut struct {
	Type string `json:"type"`
	ChatMessage
}

// NewMessageEvent wraps a stored message for broadcast.
func NewMessageEvent(msg ChatMessage) *NewMessageOut {
	return &NewMessageOut{Type: MsgTypeNewMessage, ChatMessage: msg}
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}

// HTTP request bodies

// PostMessageRequest is the body of POST /messages/{roomId}. The sender may
// be given as userId or senderId.
type PostMessageRequest struct {
	ID              string     `json:"id,omitempty"`
	UserID          string     `json:"userId" validate:"required"`
	SenderID        string     `json:"senderId,omitempty"`
	SenderName      string     `json:"senderName,omitempty"`
	SenderAvatarURL string     `json:"senderAvatarUrl,omitempty"`
	Content         string     `json:"content" validate:"required"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// Normalize folds senderId into userId.
func (r *PostMessageRequest) Normalize() {
	if r.UserID == "" {
		r.UserID = r.SenderID
	}
	r.SenderID = r.UserID
}

func (r *PostMessageRequest) ToChatMessage(roomID string) ChatMessage {
	msg := ChatMessage{
		ID:              r.ID,
		RoomID:          roomID,
		SenderID:        r.UserID,
		SenderName:      r.SenderName,
		SenderAvatarURL: r.SenderAvatarURL,
		Content:         r.Content,
	}
	if r.Timestamp != nil {
		msg.Timestamp = *r.Timestamp
	}
	return msg
}
