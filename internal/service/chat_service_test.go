package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/weiawesome/chapter-chat/internal/config"
	"github.com/weiawesome/chapter-chat/internal/directory"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/hub"
	"github.com/weiawesome/chapter-chat/internal/mocks"
	"github.com/weiawesome/chapter-chat/internal/store"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	hub    *hub.Hub
	store  *store.MemoryStore
	oracle *mocks.MockOracle
	svc    ChatService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		hub:    hub.NewHub(),
		store:  store.NewMemoryStore(nil),
		oracle: mocks.NewMockOracle(ctrl),
	}
	f.svc = NewChatService(f.hub, f.store, f.oracle, nil, Options{JoinTimeout: time.Second})
	return f
}

func (f *fixture) client(id string) *hub.Client {
	return hub.NewClient(id, f.hub, nil, config.WebSocketConfig{SendBuffer: 64})
}

// frames drains everything queued for c.
func frames(t *testing.T, c *hub.Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case raw := <-c.Send:
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func lastFrame(t *testing.T, c *hub.Client) map[string]any {
	t.Helper()
	all := frames(t, c)
	require.NotEmpty(t, all, "expected a frame")
	return all[len(all)-1]
}

func (f *fixture) join(t *testing.T, c *hub.Client, userID, roomID string) {
	t.Helper()
	f.oracle.EXPECT().RoomsForUser(gomock.Any(), userID).Return([]string{roomID}, nil)
	require.NoError(t, f.svc.HandleJoinRoom(context.Background(), c, &domain.JoinRoomMessage{
		Type: domain.MsgTypeJoinRoom, RoomID: roomID, UserID: userID,
	}))
	ack := lastFrame(t, c)
	require.Equal(t, true, ack["ok"])
}

func TestHandleJoinRoom_AcksByMembership(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")
	ctx := context.Background()

	// Given: the oracle lists chapter 7 for user 42
	f.oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return([]string{"7"}, nil).Times(2)

	// When: joining 7
	req.NoError(f.svc.HandleJoinRoom(ctx, c, &domain.JoinRoomMessage{RoomID: "7", UserID: "42"}))
	// Then: ok
	ack := lastFrame(t, c)
	req.Equal(domain.MsgTypeJoinRoomAck, ack["type"])
	req.Equal(true, ack["ok"])
	req.Equal("7", ack["roomId"])
	req.Equal(1, f.hub.ConnectionCount("7"))

	// When: joining 9
	req.NoError(f.svc.HandleJoinRoom(ctx, c, &domain.JoinRoomMessage{RoomID: "9", UserID: "42"}))
	// Then: denied and still in 7
	ack = lastFrame(t, c)
	req.Equal(false, ack["ok"])
	req.Equal("not a member of this chapter", ack["error"])
	userID, roomID, ok := c.Session.Authorized()
	req.True(ok)
	req.Equal("42", userID)
	req.Equal("7", roomID)
	req.Zero(f.hub.ConnectionCount("9"))
}

func TestHandleJoinRoom_OracleFailureDenies(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")

	f.oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return(nil, errors.New("upstream 502"))

	req.NoError(f.svc.HandleJoinRoom(context.Background(), c, &domain.JoinRoomMessage{RoomID: "7", UserID: "42"}))
	ack := lastFrame(t, c)
	req.Equal(false, ack["ok"])
	req.Equal("membership check failed", ack["error"])
	req.Equal(domain.StateConnected, c.Session.State())
	req.Zero(f.hub.RoomCount())
}

func TestHandleJoinRoom_OracleTimeoutDenies(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockOracle(ctrl)
	h := hub.NewHub()
	svc := NewChatService(h, store.NewMemoryStore(nil), oracle, nil, Options{JoinTimeout: 20 * time.Millisecond})
	c := hub.NewClient("c1", h, nil, config.WebSocketConfig{})

	oracle.EXPECT().RoomsForUser(gomock.Any(), "42").DoAndReturn(func(ctx context.Context, _ string) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	req.NoError(svc.HandleJoinRoom(context.Background(), c, &domain.JoinRoomMessage{RoomID: "7", UserID: "42"}))
	ack := lastFrame(t, c)
	req.Equal(false, ack["ok"])
	req.Equal("membership check failed", ack["error"])
}

func TestHandleJoinRoom_ValidationAndBinding(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")

	req.NoError(f.svc.HandleJoinRoom(context.Background(), c, &domain.JoinRoomMessage{RoomID: "7"}))
	req.Equal("userId required", lastFrame(t, c)["error"])

	c.Session.BoundUserID = "42"
	req.NoError(f.svc.HandleJoinRoom(context.Background(), c, &domain.JoinRoomMessage{RoomID: "7", UserID: "43"}))
	ack := lastFrame(t, c)
	req.Equal(false, ack["ok"])
	req.Equal(domain.ErrIdentityMismatch.Error(), ack["error"])
}

func TestHandleJoinRoom_ReplacesRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")

	f.join(t, c, "42", "X")
	f.join(t, c, "42", "Y")

	req.Zero(f.hub.ConnectionCount("X"))
	req.Equal(1, f.hub.ConnectionCount("Y"))
	_, roomID, _ := c.Session.Authorized()
	req.Equal("Y", roomID)
}

func TestHandleJoinRoom_ClosedDuringCheck(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")

	f.oracle.EXPECT().RoomsForUser(gomock.Any(), "42").DoAndReturn(func(context.Context, string) ([]string, error) {
		c.Close()
		return []string{"7"}, nil
	})

	req.NoError(f.svc.HandleJoinRoom(c.Context(), c, &domain.JoinRoomMessage{RoomID: "7", UserID: "42"}))
	req.Zero(f.hub.ConnectionCount("7"))
}

func TestHandleSendMessage_BroadcastsToRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a, b, other := f.client("a"), f.client("b"), f.client("other")
	ctx := context.Background()

	// Given: a and b are in chapter 7, other is in 8
	f.join(t, a, "1", "7")
	f.join(t, b, "2", "7")
	f.join(t, other, "3", "8")

	// When: a says hi
	req.NoError(f.svc.HandleSendMessage(ctx, a, &domain.SendMessageMessage{
		RoomID: "7", SenderID: "1", SenderName: "Ann", Content: "hi",
	}))

	// Then: both a and b get the same record, other gets nothing
	fa, fb := lastFrame(t, a), lastFrame(t, b)
	req.Equal(domain.MsgTypeNewMessage, fa["type"])
	req.Equal("hi", fa["content"])
	req.NotEmpty(fa["id"])
	req.Equal(fa["id"], fb["id"])
	req.Equal("7", fb["roomId"])
	req.Empty(frames(t, other))

	recent, err := f.store.Recent(ctx, "7", 10)
	req.NoError(err)
	req.Len(recent, 1)
	req.Equal(fa["id"], recent[0].ID)
}

func TestHandleSendMessage_BackdatedTimestampKeepsOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a, b := f.client("a"), f.client("b")
	ctx := context.Background()

	// Given: a and b are in chapter 7 and a has already spoken
	f.join(t, a, "1", "7")
	f.join(t, b, "2", "7")
	req.NoError(f.svc.HandleSendMessage(ctx, a, &domain.SendMessageMessage{
		RoomID: "7", SenderID: "1", Content: "first",
	}))
	frames(t, b)

	// When: b sends a message stamped a day in the past
	old := time.Now().Add(-24 * time.Hour)
	req.NoError(f.svc.HandleSendMessage(ctx, b, &domain.SendMessageMessage{
		RoomID: "7", SenderID: "2", Content: "second", Timestamp: &old,
	}))

	// Then: it is stored and served as the newest message
	live := lastFrame(t, a)
	req.Equal("second", live["content"])

	page, err := f.svc.History(ctx, "7", 1, nil)
	req.NoError(err)
	req.Len(page.Messages, 1)
	req.Equal("second", page.Messages[0].Content)
	req.True(page.Messages[0].Timestamp.After(old))
}

func TestHandleSendMessage_Rejections(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")
	ctx := context.Background()

	req.NoError(f.svc.HandleSendMessage(ctx, c, &domain.SendMessageMessage{RoomID: "7", SenderID: "42", Content: "x"}))
	frame := lastFrame(t, c)
	req.Equal(domain.MsgTypeError, frame["type"])
	req.Equal(domain.ErrCodeNotInRoom, frame["code"])

	f.join(t, c, "42", "7")

	cases := []struct {
		name string
		msg  *domain.SendMessageMessage
		code string
	}{
		{"impersonation", &domain.SendMessageMessage{RoomID: "7", SenderID: "99", Content: "x"}, domain.ErrCodeForbidden},
		{"other room", &domain.SendMessageMessage{RoomID: "8", SenderID: "42", Content: "x"}, domain.ErrCodeForbidden},
		{"empty content", &domain.SendMessageMessage{RoomID: "7", SenderID: "42"}, domain.ErrCodeBadRequest},
	}
	for _, tc := range cases {
		req.NoError(f.svc.HandleSendMessage(ctx, c, tc.msg), tc.name)
		frame := lastFrame(t, c)
		req.Equal(tc.code, frame["code"], tc.name)
	}

	for _, room := range []string{"7", "8"} {
		recent, err := f.store.Recent(ctx, room, 10)
		req.NoError(err)
		req.Empty(recent, "rejected sends must not be stored")
	}
}

func TestHandleSendMessage_DuplicateIDNotRebroadcast(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")
	ctx := context.Background()
	f.join(t, c, "42", "7")

	send := &domain.SendMessageMessage{ID: "client-1", RoomID: "7", SenderID: "42", Content: "hi"}
	req.NoError(f.svc.HandleSendMessage(ctx, c, send))
	req.NoError(f.svc.HandleSendMessage(ctx, c, send))

	got := frames(t, c)
	req.Len(got, 1)
	req.Equal("client-1", got[0]["id"])
}

func TestHandleSendMessage_StoreFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockOracle(ctrl)
	st := mocks.NewMockMessageStore(ctrl)
	h := hub.NewHub()
	svc := NewChatService(h, st, oracle, nil, Options{})
	c := hub.NewClient("c1", h, nil, config.WebSocketConfig{})
	ctx := context.Background()

	oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return([]string{"7"}, nil)
	req.NoError(svc.HandleJoinRoom(ctx, c, &domain.JoinRoomMessage{RoomID: "7", UserID: "42"}))
	frames(t, c)

	st.EXPECT().Append(gomock.Any(), "7", gomock.Any()).Return(domain.ChatMessage{}, false, errors.New("disk full"))
	err := svc.HandleSendMessage(ctx, c, &domain.SendMessageMessage{RoomID: "7", SenderID: "42", Content: "x"})
	req.Error(err)

	frame := lastFrame(t, c)
	req.Equal(domain.ErrCodeInternalError, frame["code"])
	req.Equal("internal server error", frame["message"])
}

func TestHandleSendMessage_OrderMatchesStore(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	const senders, each = 4, 25
	listener := hub.NewClient("listener", f.hub, nil, config.WebSocketConfig{SendBuffer: senders * each})
	f.join(t, listener, "0", "7")

	clients := make([]*hub.Client, senders)
	for i := range clients {
		clients[i] = hub.NewClient(fmt.Sprintf("s%d", i), f.hub, nil, config.WebSocketConfig{SendBuffer: senders * each})
		f.join(t, clients[i], fmt.Sprint(i+1), "7")
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *hub.Client) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_ = f.svc.HandleSendMessage(ctx, c, &domain.SendMessageMessage{
					RoomID: "7", SenderID: fmt.Sprint(i + 1), Content: fmt.Sprintf("%d-%d", i, j),
				})
			}
		}(i, c)
	}
	wg.Wait()

	var received []string
	for _, fr := range frames(t, listener) {
		received = append(received, fr["id"].(string))
	}
	stored, err := f.store.Recent(ctx, "7", senders*each)
	req.NoError(err)
	req.Len(received, senders*each)
	for i, m := range stored {
		req.Equal(m.ID, received[i], "broadcast order must equal store order")
	}
}

func TestHandleLeaveAndDisconnect(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.client("c1")
	ctx := context.Background()

	f.join(t, c, "42", "7")
	req.NoError(f.svc.HandleLeaveRoom(ctx, c))
	ack := lastFrame(t, c)
	req.Equal(domain.MsgTypeLeaveRoomAck, ack["type"])
	req.Zero(f.hub.ConnectionCount("7"))
	req.Equal(domain.StateConnected, c.Session.State())

	f.join(t, c, "42", "7")
	req.NoError(f.svc.HandleDisconnect(ctx, c))
	req.NoError(f.svc.HandleDisconnect(ctx, c))
	req.Zero(f.hub.RoomCount())
	req.Equal(domain.StateDisconnected, c.Session.State())
}

func TestPostMessage(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	live := f.client("live")
	ctx := context.Background()
	f.join(t, live, "1", "5")

	_, err := f.svc.PostMessage(ctx, "5", &domain.PostMessageRequest{Content: "hi"}, "")
	req.ErrorIs(err, domain.ErrValidation)
	req.Equal("userId required", err.Error())

	_, err = f.svc.PostMessage(ctx, "5", &domain.PostMessageRequest{UserID: "2", Content: "hi"}, "3")
	req.ErrorIs(err, domain.ErrIdentityMismatch)

	f.oracle.EXPECT().RoomsForUser(gomock.Any(), "2").Return([]string{"6"}, nil)
	_, err = f.svc.PostMessage(ctx, "5", &domain.PostMessageRequest{UserID: "2", Content: "hi"}, "")
	req.ErrorIs(err, domain.ErrNotMember)

	f.oracle.EXPECT().RoomsForUser(gomock.Any(), "2").Return([]string{"5"}, nil)
	stored, err := f.svc.PostMessage(ctx, "5", &domain.PostMessageRequest{SenderID: "2", SenderName: "Bo", Content: "hi"}, "2")
	req.NoError(err)
	req.Equal("2", stored.SenderID)
	req.Equal("5", stored.RoomID)

	frame := lastFrame(t, live)
	req.Equal(stored.ID, frame["id"])
}

func TestHistory_EnrichesSenders(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)
	st := store.NewMemoryStore(nil)
	svc := NewChatService(hub.NewHub(), st, mocks.NewMockOracle(ctrl), resolver, Options{})
	ctx := context.Background()

	_, _, err := st.Append(ctx, "7", domain.ChatMessage{SenderID: "42", SenderName: "old", Content: "a"})
	req.NoError(err)
	_, _, err = st.Append(ctx, "7", domain.ChatMessage{SenderID: "43", SenderName: "kept", Content: "b"})
	req.NoError(err)

	resolver.EXPECT().Lookup(gomock.Any(), "42").Return(&directory.Profile{ID: "42", Name: "Ada", AvatarURL: "a.png"}, nil)
	resolver.EXPECT().Lookup(gomock.Any(), "43").Return(nil, errors.New("down"))

	page, err := svc.History(ctx, "7", 10, nil)
	req.NoError(err)
	req.Len(page.Messages, 2)
	req.Equal("Ada", page.Messages[0].SenderName)
	req.Equal("a.png", page.Messages[0].SenderAvatarURL)
	req.Equal("kept", page.Messages[1].SenderName)
}

func TestStartStop_RunsSweeper(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockMessageStore(ctrl)
	ticks := make(chan time.Time)
	svc := NewChatService(hub.NewHub(), st, mocks.NewMockOracle(ctrl), nil, Options{
		Retention:  2 * time.Hour,
		SweepTicks: ticks,
	})

	swept := make(chan struct{})
	st.EXPECT().EvictExpired(gomock.Any(), 2*time.Hour).DoAndReturn(func(context.Context, time.Duration) (int, error) {
		close(swept)
		return 3, nil
	})
	st.EXPECT().Close().Return(nil)

	req.NoError(svc.Start(context.Background()))
	req.Error(svc.Start(context.Background()))
	ticks <- time.Now()
	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run")
	}
	req.NoError(svc.Stop())
}
