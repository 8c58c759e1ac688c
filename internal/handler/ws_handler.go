package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/chapter-chat/internal/audit"
	"github.com/weiawesome/chapter-chat/internal/config"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/hub"
	"github.com/weiawesome/chapter-chat/internal/service"
	"github.com/weiawesome/chapter-chat/pkg/log"
	"github.com/weiawesome/chapter-chat/pkg/middleware"
	"github.com/weiawesome/chapter-chat/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *hub.Hub
	service service.ChatService
	wsCfg   config.WebSocketConfig
	auth    *middleware.AuthMiddleware
}

// NewWSHandler creates the websocket endpoint. When auth is non-nil every
// connection must present a valid token and may only join as its subject.
func NewWSHandler(h *hub.Hub, svc service.ChatService, wsCfg config.WebSocketConfig, auth *middleware.AuthMiddleware) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
		auth:    auth,
	}
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	var boundUserID string
	if h.auth != nil {
		claims, err := h.auth.Verify(middleware.TokenFromRequest(c.Request))
		if err != nil {
			audit.Reject(c.Request.Context(), audit.ActionAuthFailed, "", "", err, "websocket token rejected")
			response.Unauthorized(c, err.Error())
			return
		}
		boundUserID = claims.UserID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)
	client.Session.BoundUserID = boundUserID

	ctx := log.WithLogger(client.Context(), l.With().Str(log.FieldClientID, client.ID()).Logger())
	l.Debug().Str(log.FieldClientID, client.ID()).Msg("websocket connected")

	go client.WritePump()
	go client.ReadPump(
		func(cl *hub.Client, message []byte) { h.handleMessage(ctx, cl, message) },
		func(cl *hub.Client) {
			if err := h.service.HandleDisconnect(ctx, cl); err != nil {
				l.Error().Err(err).Str(log.FieldClientID, cl.ID()).Msg("disconnect cleanup failed")
			}
		},
	)
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	l := log.Ctx(ctx)

	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	switch base.Type {
	case domain.MsgTypeJoinRoom:
		var msg domain.JoinRoomMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid joinRoom message"))
			return
		}
		if err := h.service.HandleJoinRoom(ctx, client, &msg); err != nil {
			l.Warn().Err(err).Msg("join room failed")
		}

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid sendMessage message"))
			return
		}
		if err := h.service.HandleSendMessage(ctx, client, &msg); err != nil {
			l.Warn().Err(err).Msg("send message failed")
		}

	case domain.MsgTypeLeaveRoom:
		if err := h.service.HandleLeaveRoom(ctx, client); err != nil {
			l.Warn().Err(err).Msg("leave room failed")
		}

	case domain.MsgTypePing:
		client.SendMessage(domain.BaseMessage{Type: domain.MsgTypePong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}
}

func (h *WSHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.HandleWebSocket)
}
