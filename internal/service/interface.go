package service

import (
	"context"
	"time"

	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/hub"
)

type ChatService interface {
	HandleJoinRoom(ctx context.Context, client *hub.Client, msg *domain.JoinRoomMessage) error
	HandleSendMessage(ctx context.Context, client *hub.Client, msg *domain.SendMessageMessage) error
	HandleLeaveRoom(ctx context.Context, client *hub.Client) error
	HandleDisconnect(ctx context.Context, client *hub.Client) error

	// PostMessage is the HTTP path into a room. boundUserID is the caller's
	// verified identity, or empty when identity binding is off.
	PostMessage(ctx context.Context, roomID string, req *domain.PostMessageRequest, boundUserID string) (domain.ChatMessage, error)
	History(ctx context.Context, roomID string, limit int, before *time.Time) (*domain.Page, error)

	Start(ctx context.Context) error
	Stop() error
}
