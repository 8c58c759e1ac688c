package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/chapter-chat/internal/config"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/service"
	"github.com/weiawesome/chapter-chat/pkg/log"
	"github.com/weiawesome/chapter-chat/pkg/middleware"
	"github.com/weiawesome/chapter-chat/pkg/response"
)

type HTTPHandler struct {
	service service.ChatService
	history config.HistoryConfig
	auth    *middleware.AuthMiddleware
}

// NewHTTPHandler creates the REST fallback. auth may be nil.
func NewHTTPHandler(svc service.ChatService, history config.HistoryConfig, auth *middleware.AuthMiddleware) *HTTPHandler {
	if history.MaxLimit <= 0 {
		history.MaxLimit = 100
	}
	if history.DefaultLimit <= 0 {
		history.DefaultLimit = min(50, history.MaxLimit)
	}
	return &HTTPHandler{
		service: svc,
		history: history,
		auth:    auth,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/messages/:roomId", h.GetMessages)
	if h.auth != nil {
		r.POST("/messages/:roomId", h.auth.RequireAuth(), h.PostMessage)
	} else {
		r.POST("/messages/:roomId", h.PostMessage)
	}

	r.GET("/health", h.HealthCheck)
}

func (h *HTTPHandler) GetMessages(c *gin.Context) {
	roomID := c.Param("roomId")

	limit := h.history.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(parsed, h.history.MaxLimit)
	}

	var before *time.Time
	if cursor := c.Query("before"); cursor != "" {
		t, err := domain.ParseCursor(cursor)
		if err != nil {
			response.BadRequest(c, "before must be a timestamp")
			return
		}
		before = &t
	}

	page, err := h.service.History(c.Request.Context(), roomID, limit, before)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to load history")
		response.InternalError(c)
		return
	}

	var next any
	if page.NextCursor != "" {
		next = page.NextCursor
	}
	response.Success(c, gin.H{
		"messages":   page.Messages,
		"nextCursor": next,
		"hasMore":    page.HasMore,
	})
}

func (h *HTTPHandler) PostMessage(c *gin.Context) {
	roomID := c.Param("roomId")

	var req domain.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}

	msg, err := h.service.PostMessage(c.Request.Context(), roomID, &req, middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Created(c, gin.H{"message": msg})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(c, domain.PublicReason(err))
	case domain.IsAuthorization(err):
		response.Forbidden(c, domain.PublicReason(err))
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("request failed")
		response.InternalError(c)
	}
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
