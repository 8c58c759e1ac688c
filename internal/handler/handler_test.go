package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/chapter-chat/internal/config"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/hub"
	"github.com/weiawesome/chapter-chat/internal/mocks"
	"github.com/weiawesome/chapter-chat/internal/service"
	"github.com/weiawesome/chapter-chat/internal/store"
	"github.com/weiawesome/chapter-chat/pkg/jwt"
	"github.com/weiawesome/chapter-chat/pkg/middleware"
	"go.uber.org/mock/gomock"
)

var wsCfg = config.WebSocketConfig{
	PingInterval:   time.Second,
	PongWait:       5 * time.Second,
	WriteWait:      time.Second,
	MaxMessageSize: 8192,
	SendBuffer:     64,
}

type gateway struct {
	router *gin.Engine
	store  *store.MemoryStore
	hub    *hub.Hub
	oracle *mocks.MockOracle
}

func newGateway(t *testing.T, auth *middleware.AuthMiddleware) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g := &gateway{
		router: gin.New(),
		store:  store.NewMemoryStore(nil),
		hub:    hub.NewHub(),
		oracle: mocks.NewMockOracle(gomock.NewController(t)),
	}
	svc := service.NewChatService(g.hub, g.store, g.oracle, nil, service.Options{JoinTimeout: time.Second})
	NewHTTPHandler(svc, config.HistoryConfig{DefaultLimit: 2, MaxLimit: 3}, auth).RegisterRoutes(g.router)
	NewWSHandler(g.hub, svc, wsCfg, auth).RegisterRoutes(g.router)
	return g
}

func (g *gateway) do(method, path, body string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestPostMessage_MissingUserID(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)

	w, body := g.do(http.MethodPost, "/messages/5", `{"content":"hi"}`, nil)

	req.Equal(http.StatusBadRequest, w.Code)
	req.Equal(false, body["success"])
	req.Equal("userId required", body["error"])
}

func TestPostMessage_Errors(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)

	w, body := g.do(http.MethodPost, "/messages/5", `{"userId":"2"}`, nil)
	req.Equal(http.StatusBadRequest, w.Code)
	req.Equal("content required", body["error"])

	w, _ = g.do(http.MethodPost, "/messages/5", `{not json`, nil)
	req.Equal(http.StatusBadRequest, w.Code)

	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "2").Return([]string{"6"}, nil)
	w, body = g.do(http.MethodPost, "/messages/5", `{"userId":"2","content":"hi"}`, nil)
	req.Equal(http.StatusForbidden, w.Code)
	req.Equal("not a member of this chapter", body["error"])

	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "2").Return(nil, errors.New("down"))
	w, body = g.do(http.MethodPost, "/messages/5", `{"userId":"2","content":"hi"}`, nil)
	req.Equal(http.StatusForbidden, w.Code)
	req.Equal("membership check failed", body["error"])

	recent, err := g.store.Recent(context.Background(), "5", 10)
	req.NoError(err)
	req.Empty(recent)
}

func TestPostMessage_AppendsAndBroadcasts(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)

	live := hub.NewClient("live", g.hub, nil, wsCfg)
	_, err := g.hub.Join("5", live)
	req.NoError(err)

	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "2").Return([]string{"5"}, nil)
	w, body := g.do(http.MethodPost, "/messages/5", `{"senderId":"2","senderName":"Bo","content":"hi"}`, nil)
	req.Equal(http.StatusCreated, w.Code)
	req.Equal(true, body["success"])

	msg := body["message"].(map[string]any)
	req.Equal("2", msg["senderId"])
	req.Equal("hi", msg["content"])

	select {
	case raw := <-live.Send:
		var frame map[string]any
		req.NoError(json.Unmarshal(raw, &frame))
		req.Equal(domain.MsgTypeNewMessage, frame["type"])
		req.Equal(msg["id"], frame["id"])
	default:
		t.Fatal("live connection did not receive the post")
	}
}

func TestGetMessages_Pages(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range []string{"T1", "T2", "T3"} {
		_, _, err := g.store.Append(ctx, "7", domain.ChatMessage{Content: c, Timestamp: base.Add(time.Duration(i) * time.Second)})
		req.NoError(err)
	}

	w, body := g.do(http.MethodGet, "/messages/7", "", nil)
	req.Equal(http.StatusOK, w.Code)
	req.Equal(true, body["hasMore"])
	msgs := body["messages"].([]any)
	req.Len(msgs, 2)
	req.Equal("T2", msgs[0].(map[string]any)["content"])
	cursor := body["nextCursor"].(string)

	w, body = g.do(http.MethodGet, "/messages/7?limit=2&before="+cursor, "", nil)
	req.Equal(http.StatusOK, w.Code)
	req.Equal(false, body["hasMore"])
	req.Nil(body["nextCursor"])
	req.Len(body["messages"].([]any), 1)

	_, body = g.do(http.MethodGet, "/messages/7?limit=50", "", nil)
	req.Len(body["messages"].([]any), 3, "limit is capped, not rejected")

	w, _ = g.do(http.MethodGet, "/messages/7?limit=0", "", nil)
	req.Equal(http.StatusBadRequest, w.Code)
	w, _ = g.do(http.MethodGet, "/messages/7?before=yesterday", "", nil)
	req.Equal(http.StatusBadRequest, w.Code)

	w, body = g.do(http.MethodGet, "/messages/unknown", "", nil)
	req.Equal(http.StatusOK, w.Code)
	req.Empty(body["messages"])
}

func TestHealthCheck(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)

	w, body := g.do(http.MethodGet, "/health", "", nil)
	req.Equal(http.StatusOK, w.Code)
	req.Equal("ok", body["status"])
	req.NotEmpty(body["timestamp"])
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocket_TwoMembersSeeSameMessage(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "1").Return([]string{"7"}, nil)
	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "2").Return([]string{"7"}, nil)

	a, b := dial(t, srv, ""), dial(t, srv, "")

	req.NoError(a.WriteJSON(map[string]string{"type": "joinRoom", "roomId": "7", "userId": "1"}))
	req.Equal(true, readFrame(t, a)["ok"])
	req.NoError(b.WriteJSON(map[string]string{"type": "joinRoom", "roomId": "7", "userId": "2"}))
	req.Equal(true, readFrame(t, b)["ok"])

	req.NoError(a.WriteJSON(map[string]string{
		"type": "sendMessage", "roomId": "7", "senderId": "1", "senderName": "Ann", "content": "hi",
	}))

	fa, fb := readFrame(t, a), readFrame(t, b)
	req.Equal(domain.MsgTypeNewMessage, fa["type"])
	req.Equal("hi", fa["content"])
	req.Equal(fa["id"], fb["id"])
	req.Equal("hi", fb["content"])

	req.NoError(a.WriteJSON(map[string]string{"type": "ping"}))
	req.Equal(domain.MsgTypePong, readFrame(t, a)["type"])

	req.NoError(a.WriteMessage(websocket.TextMessage, []byte("nonsense")))
	req.Equal(domain.MsgTypeError, readFrame(t, a)["type"])
}

func TestWebSocket_RejectedJoinAndDisconnectCleanup(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, nil)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return([]string{"7"}, nil).Times(2)

	conn := dial(t, srv, "")
	req.NoError(conn.WriteJSON(map[string]string{"type": "joinRoom", "roomId": "9", "userId": "42"}))
	ack := readFrame(t, conn)
	req.Equal(false, ack["ok"])
	req.Equal("not a member of this chapter", ack["error"])

	req.NoError(conn.WriteJSON(map[string]string{"type": "joinRoom", "roomId": "7", "userId": "42"}))
	req.Equal(true, readFrame(t, conn)["ok"])
	req.Equal(1, g.hub.ConnectionCount("7"))

	conn.Close()
	req.Eventually(func() bool { return g.hub.RoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_TokenBinding(t *testing.T) {
	req := require.New(t)
	verifier := jwt.NewVerifier([]byte("secret"), "")
	g := newGateway(t, middleware.NewAuthMiddleware(verifier))
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	token, err := verifier.Issue("42", "ada", time.Hour)
	req.NoError(err)
	conn := dial(t, srv, "?token="+token)

	req.NoError(conn.WriteJSON(map[string]string{"type": "joinRoom", "roomId": "7", "userId": "43"}))
	ack := readFrame(t, conn)
	req.Equal(false, ack["ok"])
	req.Equal(domain.ErrIdentityMismatch.Error(), ack["error"])

	// POST requires a bearer token for the same user.
	w, _ := g.do(http.MethodPost, "/messages/7", `{"userId":"42","content":"hi"}`, nil)
	req.Equal(http.StatusUnauthorized, w.Code)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	w, body := g.do(http.MethodPost, "/messages/7", `{"userId":"43","content":"hi"}`, header)
	req.Equal(http.StatusForbidden, w.Code)
	req.Equal(domain.ErrIdentityMismatch.Error(), body["error"])

	g.oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return([]string{"7"}, nil)
	w, _ = g.do(http.MethodPost, "/messages/7", `{"userId":"42","content":"hi"}`, header)
	req.Equal(http.StatusCreated, w.Code)
}
