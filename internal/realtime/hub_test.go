package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/internal/metrics"
	"pulseline/pkg/logger"
)

type fakeSessions struct {
	mu      sync.Mutex
	online  []string
	offline []string
	beats   int
}

func (s *fakeSessions) SetOnline(_ context.Context, userID uuid.UUID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = append(s.online, userID.String()+"/"+clientID)
	return nil
}

func (s *fakeSessions) SetOffline(_ context.Context, userID uuid.UUID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = append(s.offline, userID.String()+"/"+clientID)
	return nil
}

func (s *fakeSessions) Heartbeat(_ context.Context, _ uuid.UUID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats++
	return nil
}

func (s *fakeSessions) onlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.online)
}

func (s *fakeSessions) offlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offline)
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newTestHub starts a hub plus an httptest websocket endpoint; the user id
// comes from the ?user query parameter.
func newTestHub(t *testing.T) (*Hub, *fakeSessions, *httptest.Server) {
	t.Helper()

	sessions := &fakeSessions{}
	hub := NewHub(sessions, metrics.NewAggregator(), logger.NewNop())
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(NewClient(hub, conn, userID))
	}))
	t.Cleanup(srv.Close)

	return hub, sessions, srv
}

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + userID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) PushMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg PushMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestBroadcastReachesConnectedUser(t *testing.T) {
	hub, _, srv := newTestHub(t)
	userID := uuid.New()
	conn := dial(t, srv, userID)

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast([]uuid.UUID{userID}, EventEntityUpserted, EntityPayload{ID: "u-1", Entity: "user", Seq: 3})

	msg := readFrame(t, conn)
	assert.Equal(t, EventEntityUpserted, msg.Event)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var payload EntityPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "u-1", payload.ID)
	assert.Equal(t, "user", payload.Entity)
	assert.Equal(t, int64(3), payload.Seq)
}

func TestBroadcastToUnknownUserIsNoop(t *testing.T) {
	hub, _, srv := newTestHub(t)
	userID := uuid.New()
	conn := dial(t, srv, userID)

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast([]uuid.UUID{uuid.New()}, EventEntityUpserted, EntityPayload{ID: "x"})
	hub.Broadcast([]uuid.UUID{userID}, EventEntityRemoved, EntityPayload{ID: "u-2", Entity: "user"})

	// Only the second broadcast addressed this connection.
	msg := readFrame(t, conn)
	assert.Equal(t, EventEntityRemoved, msg.Event)
}

func TestBroadcastFansOutToAllUserConnections(t *testing.T) {
	hub, _, srv := newTestHub(t)
	userID := uuid.New()
	first := dial(t, srv, userID)
	second := dial(t, srv, userID)

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 2
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast([]uuid.UUID{userID}, EventEntityUpserted, EntityPayload{ID: "u-1", Entity: "user"})

	assert.Equal(t, EventEntityUpserted, readFrame(t, first).Event)
	assert.Equal(t, EventEntityUpserted, readFrame(t, second).Event)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, sessions, srv := newTestHub(t)
	userID := uuid.New()
	conn := dial(t, srv, userID)

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sessions.onlineCount())

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return sessions.offlineCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionCapEvictsOldest(t *testing.T) {
	hub, _, srv := newTestHub(t)
	userID := uuid.New()

	for i := 0; i < maxConnectionsPerUser+1; i++ {
		dial(t, srv, userID)
	}

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == maxConnectionsPerUser
	}, 2*time.Second, 10*time.Millisecond)

	// Count never exceeds the cap.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, hub.ConnectionCount(), maxConnectionsPerUser)
}

func TestStopClosesAllConnections(t *testing.T) {
	hub, _, srv := newTestHub(t)
	conn := dial(t, srv, uuid.New())

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server side must have closed the connection")
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestActorResolver(t *testing.T) {
	id := uuid.New()
	r := ActorResolver{}

	recipients, err := r.RecipientsFor(context.Background(), activityWithActor(id.String()))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, recipients)

	recipients, err = r.RecipientsFor(context.Background(), activityWithActor(""))
	require.NoError(t, err)
	assert.Empty(t, recipients)

	_, err = r.RecipientsFor(context.Background(), activityWithActor("not-a-uuid"))
	assert.Error(t, err)
}
