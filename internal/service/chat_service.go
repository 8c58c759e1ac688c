package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/chapter-chat/internal/audit"
	"github.com/weiawesome/chapter-chat/internal/directory"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/hub"
	"github.com/weiawesome/chapter-chat/internal/keyed"
	"github.com/weiawesome/chapter-chat/internal/membership"
	"github.com/weiawesome/chapter-chat/internal/store"
	"github.com/weiawesome/chapter-chat/pkg/log"
)

// Options tunes the chat service. Zero values fall back to defaults.
type Options struct {
	JoinTimeout   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	// DirectoryTimeout bounds sender enrichment for one history page.
	DirectoryTimeout time.Duration
	// SweepTicks replaces the sweeper's wall-clock ticker.
	SweepTicks <-chan time.Time
}

type chatService struct {
	hub       *hub.Hub
	store     store.MessageStore
	oracle    membership.Oracle
	directory directory.Resolver
	opts      Options

	// sequencer serializes append+broadcast per room so every connection
	// sees messages in store order.
	sequencer *keyed.Arena[struct{}]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChatService wires the gateway. resolver may be nil.
func NewChatService(
	h *hub.Hub,
	st store.MessageStore,
	oracle membership.Oracle,
	resolver directory.Resolver,
	opts Options,
) ChatService {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 48 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.DirectoryTimeout <= 0 {
		opts.DirectoryTimeout = 3 * time.Second
	}
	return &chatService{
		hub:       h,
		store:     st,
		oracle:    oracle,
		directory: resolver,
		opts:      opts,
		sequencer: keyed.New(func() struct{} { return struct{}{} }),
	}
}

func (s *chatService) HandleJoinRoom(ctx context.Context, c *hub.Client, msg *domain.JoinRoomMessage) error {
	if err := domain.Validate(msg); err != nil {
		return c.SendMessage(joinAck(msg.RoomID, err))
	}

	if c.Session.BoundUserID != "" && msg.UserID != c.Session.BoundUserID {
		audit.Reject(ctx, audit.ActionJoinRejected, msg.UserID, msg.RoomID, domain.ErrIdentityMismatch, "join rejected")
		return c.SendMessage(joinAck(msg.RoomID, domain.ErrIdentityMismatch))
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	err := membership.Check(checkCtx, s.oracle, msg.UserID, msg.RoomID)
	cancel()
	if err != nil {
		audit.Reject(ctx, audit.ActionJoinRejected, msg.UserID, msg.RoomID, err, "join rejected")
		return c.SendMessage(joinAck(msg.RoomID, err))
	}

	prev, err := s.hub.Join(msg.RoomID, c)
	if err != nil {
		// The connection went away while the oracle was answering.
		return nil
	}
	if _, ok := c.Session.Join(msg.UserID, msg.RoomID); !ok {
		s.hub.Leave(c)
		return nil
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldUserID, msg.UserID).Str(log.FieldRoomID, msg.RoomID).Str("previous_room", prev).Msg("client joined chapter")
	audit.Log(ctx, audit.ActionJoinRoom, msg.UserID, msg.RoomID, "joined chapter")

	return c.SendMessage(joinAck(msg.RoomID, nil))
}

func joinAck(roomID string, err error) *domain.JoinRoomAckMessage {
	ack := &domain.JoinRoomAckMessage{
		Type:   domain.MsgTypeJoinRoomAck,
		OK:     err == nil,
		RoomID: roomID,
	}
	if err != nil {
		ack.Error = domain.PublicReason(err)
	}
	return ack
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, msg *domain.SendMessageMessage) error {
	userID, roomID, ok := c.Session.Authorized()
	if !ok {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeNotInRoom, domain.ErrNotJoined.Error()))
	}

	if err := domain.Validate(msg); err != nil {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, domain.PublicReason(err)))
	}

	if msg.SenderID != userID || msg.RoomID != roomID {
		audit.Reject(ctx, audit.ActionSendRejected, userID, roomID, domain.ErrIdentityMismatch,
			fmt.Sprintf("send claimed sender %q room %q", msg.SenderID, msg.RoomID))
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeForbidden, domain.ErrIdentityMismatch.Error()))
	}

	stored, err := s.publish(ctx, roomID, msg.ToChatMessage())
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to publish message")
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, domain.PublicReason(err)))
		return err
	}

	audit.LogMessage(ctx, audit.ActionSendMessage, userID, roomID, stored.ID)
	return nil
}

// publish appends msg and broadcasts the stored record while holding the
// room's sequencer slot. A duplicate id is returned without a broadcast.
func (s *chatService) publish(ctx context.Context, roomID string, msg domain.ChatMessage) (domain.ChatMessage, error) {
	var (
		stored domain.ChatMessage
		err    error
	)
	s.sequencer.Update(roomID, func(*struct{}) bool {
		var created bool
		stored, created, err = s.store.Append(ctx, roomID, msg)
		if err != nil {
			err = fmt.Errorf("failed to append message: %w", err)
			return true
		}
		if !created {
			return true
		}

		data, mErr := json.Marshal(domain.NewMessageEvent(stored))
		if mErr != nil {
			err = fmt.Errorf("failed to marshal message: %w", mErr)
			return true
		}
		n := s.hub.Broadcast(roomID, data)

		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldRoomID, roomID).Str(log.FieldMessageID, stored.ID).Int("recipients", n).Msg("message broadcast")
		return true
	})
	return stored, err
}

func (s *chatService) HandleLeaveRoom(ctx context.Context, c *hub.Client) error {
	userID, _, _ := c.Session.Authorized()
	prev := c.Session.LeaveRoom()
	s.hub.Leave(c)
	if prev != "" {
		audit.Log(ctx, audit.ActionLeaveRoom, userID, prev, "left chapter")
	}
	return c.SendMessage(&domain.LeaveRoomAckMessage{Type: domain.MsgTypeLeaveRoomAck, OK: true})
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	userID, _, _ := c.Session.Authorized()
	prev := c.Session.Disconnect()
	s.hub.Leave(c)
	audit.Log(ctx, audit.ActionDisconnect, userID, prev, "client disconnected")
	return nil
}

func (s *chatService) PostMessage(ctx context.Context, roomID string, req *domain.PostMessageRequest, boundUserID string) (domain.ChatMessage, error) {
	req.Normalize()
	if err := domain.Validate(req); err != nil {
		return domain.ChatMessage{}, err
	}
	if roomID == "" {
		return domain.ChatMessage{}, &domain.ValidationError{Field: "roomId"}
	}

	if boundUserID != "" && boundUserID != req.UserID {
		audit.Reject(ctx, audit.ActionPostRejected, req.UserID, roomID, domain.ErrIdentityMismatch, "post rejected")
		return domain.ChatMessage{}, domain.ErrIdentityMismatch
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	err := membership.Check(checkCtx, s.oracle, req.UserID, roomID)
	cancel()
	if err != nil {
		audit.Reject(ctx, audit.ActionPostRejected, req.UserID, roomID, err, "post rejected")
		return domain.ChatMessage{}, err
	}

	stored, err := s.publish(ctx, roomID, req.ToChatMessage(roomID))
	if err != nil {
		return domain.ChatMessage{}, err
	}
	audit.LogMessage(ctx, audit.ActionPostMessage, req.UserID, roomID, stored.ID)
	return stored, nil
}

func (s *chatService) History(ctx context.Context, roomID string, limit int, before *time.Time) (*domain.Page, error) {
	page, err := s.store.Page(ctx, roomID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	page.Messages = directory.Enrich(ctx, s.directory, page.Messages, s.opts.DirectoryTimeout)
	return page, nil
}

// Start launches the retention sweeper. It runs until Stop or ctx ends.
func (s *chatService) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("chat service already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	var opts []store.SweeperOption
	if s.opts.SweepTicks != nil {
		opts = append(opts, store.WithTicks(s.opts.SweepTicks))
	}
	sweeper := store.NewSweeper(s.store, s.opts.Retention, s.opts.SweepInterval, opts...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sweeper.Run(ctx)
	}()

	l := log.Ctx(ctx)
	l.Info().Msg("chat service started")
	return nil
}

func (s *chatService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close message store: %w", err)
	}
	return nil
}
