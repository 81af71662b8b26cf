package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/bandaid/pkg/models"
)

type recordingSink struct {
	events []models.SecurityEvent
	fail   bool
}

func (s *recordingSink) InsertEvent(_ context.Context, e models.SecurityEvent) error {
	if s.fail {
		return assert.AnError
	}
	s.events = append(s.events, e)
	return nil
}

func TestJournalTeeForwardsAndPublishes(t *testing.T) {
	hub := NewHub(testLogger())
	sink := &recordingSink{}
	tee := &JournalTee{Next: sink, Hub: hub}

	event := models.NewSecurityEvent(models.EventBlocked, uuid.New())
	require.NoError(t, tee.InsertEvent(context.Background(), event))
	require.Len(t, sink.events, 1)

	// The frame is queued even with no subscribers.
	select {
	case frame := <-hub.broadcast:
		var parsed struct {
			Type  string               `json:"type"`
			Event models.SecurityEvent `json:"event"`
		}
		require.NoError(t, json.Unmarshal(frame, &parsed))
		assert.Equal(t, "security_event", parsed.Type)
		assert.Equal(t, event.ID, parsed.Event.ID)
	default:
		t.Fatal("no frame broadcast")
	}
}

func TestJournalTeePropagatesJournalErrors(t *testing.T) {
	tee := &JournalTee{Next: &recordingSink{fail: true}, Hub: NewHub(testLogger())}
	err := tee.InsertEvent(context.Background(), models.NewSecurityEvent(models.EventBlocked, uuid.New()))
	assert.Error(t, err)
}

func TestHubDeliversEventsToSubscribers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(testLogger())
	go hub.Run()

	r := gin.New()
	r.GET("/stream", hub.Subscribe)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Registration races the dial return; retry until the frame lands.
	event := models.NewSecurityEvent(models.EventBlocked, uuid.New())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	received := make(chan []byte, 1)
	go func() {
		_, frame, err := conn.ReadMessage()
		if err == nil {
			received <- frame
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		hub.PublishEvent(event)
		select {
		case frame := <-received:
			assert.Contains(t, string(frame), "security_event")
			assert.Contains(t, string(frame), event.ID.String())
			return
		case <-deadline:
			t.Fatal("subscriber never received the event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestBroadcastDropsWhenSaturated(t *testing.T) {
	hub := NewHub(testLogger()) // Run never started, queue fills
	for i := 0; i < 300; i++ {
		hub.Broadcast([]byte("frame"))
	}
	assert.Len(t, hub.broadcast, 256, "overflow frames are dropped, not queued")
}
