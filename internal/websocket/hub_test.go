package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anondrop/backend/internal/domain"
)

// plainOpener 把 "sealed:" 前缀去掉当作解密
type plainOpener struct{}

func (plainOpener) Open(message *domain.Message) (domain.InboxMessage, error) {
	if !strings.HasPrefix(message.EncryptedBody, "sealed:") {
		return domain.InboxMessage{}, errors.New("bad token")
	}
	return domain.InboxMessage{
		SenderName:  strings.TrimPrefix(message.EncryptedSenderName, "sealed:"),
		MessageText: strings.TrimPrefix(message.EncryptedBody, "sealed:"),
		CreatedAt:   message.CreatedAt,
	}, nil
}

func (plainOpener) LookupHash(code string) string {
	return "hash-" + strings.ToLower(code)
}

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(plainOpener{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/messages/ws", hub.Handler())
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, code string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/messages/ws?anonCode=" + code
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
		_ = conn.Close()
	})

	var ack Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, MessageTypeSubscribed, ack.Type)
	return conn
}

func TestHub_DeliversToMatchingSubscriber(t *testing.T) {
	hub, server := newTestServer(t)

	alice := dial(t, server, "Alice")
	bob := dial(t, server, "bob")

	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := hub.NotifyNewMessage(context.Background(), &domain.Message{
		RecipientLookupHash: "hash-alice",
		EncryptedSenderName: "sealed:Anonymous",
		EncryptedBody:       "sealed:hi alice",
		CreatedAt:           createdAt,
	})
	require.NoError(t, err)

	var event Event
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, alice.ReadJSON(&event))
	assert.Equal(t, MessageTypeNewMessage, event.Type)
	require.NotNil(t, event.Message)
	assert.Equal(t, "Anonymous", event.Message.SenderName)
	assert.Equal(t, "hi alice", event.Message.MessageText)
	assert.True(t, createdAt.Equal(event.Message.CreatedAt))

	t.Run("其他收件码收不到", func(t *testing.T) {
		require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, _, err := bob.ReadMessage()
		require.Error(t, err)
		var netErr interface{ Timeout() bool }
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	})
}

func TestHub_MissingAnonCode(t *testing.T) {
	_, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/messages/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub, server := newTestServer(t)

	conn := dial(t, server, "carol")
	assert.Equal(t, 1, hub.SubscriberCount("hash-carol"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return hub.SubscriberCount("hash-carol") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_NotifyAfterStop(t *testing.T) {
	hub := NewHub(plainOpener{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	for i := 0; i < broadcastSize+1; i++ {
		require.NoError(t, hub.NotifyNewMessage(context.Background(), &domain.Message{RecipientLookupHash: "x"}))
	}
}

func TestHub_UndecryptableMessageIsSkipped(t *testing.T) {
	hub, server := newTestServer(t)
	conn := dial(t, server, "dave")

	require.NoError(t, hub.NotifyNewMessage(context.Background(), &domain.Message{
		RecipientLookupHash: "hash-dave",
		EncryptedBody:       "garbage",
	}))
	require.NoError(t, hub.NotifyNewMessage(context.Background(), &domain.Message{
		RecipientLookupHash: "hash-dave",
		EncryptedSenderName: "sealed:eve",
		EncryptedBody:       "sealed:second",
	}))

	var event Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	require.NotNil(t, event.Message)
	assert.Equal(t, "second", event.Message.MessageText)
}
