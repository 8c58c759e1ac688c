package audit

import (
	"context"

	"github.com/weiawesome/chapter-chat/pkg/log"
)

// Audit actions for the chat gateway.
const (
	ActionAuthFailed   = "chat.auth_failed"
	ActionJoinRoom     = "chat.join_room"
	ActionJoinRejected = "chat.join_rejected"
	ActionLeaveRoom    = "chat.leave_room"
	ActionSendMessage  = "chat.send_message"
	ActionSendRejected = "chat.send_rejected"
	ActionPostMessage  = "chat.post_message"
	ActionPostRejected = "chat.post_rejected"
	ActionDisconnect   = "chat.disconnect"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, userID, roomID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(log.FieldRoomID, roomID).
		Msg(msg)
}

// Reject records a denied request at warn level with the reason in detail.
func Reject(ctx context.Context, action, userID, roomID string, reason error, msg string) {
	l := log.Ctx(ctx)
	l.Warn().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(log.FieldRoomID, roomID).
		Str(FieldDetail, reason.Error()).
		Msg(msg)
}

// LogMessage records an accepted message with its id as the target.
func LogMessage(ctx context.Context, action, userID, roomID, messageID string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(log.FieldRoomID, roomID).
		Str(FieldTargetID, messageID).
		Msg("message accepted")
}
