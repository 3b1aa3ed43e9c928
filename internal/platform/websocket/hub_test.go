package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("client did not receive event")
		return Event{}
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", TopicReport)

	hub.Register(c)
	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, hub.TopicCount(TopicReport))

	hub.Unregister(c)
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, hub.TopicCount(TopicReport))

	_, open := <-c.Send
	assert.False(t, open)

	// A second unregister is a no-op.
	hub.Unregister(c)
}

func TestHub_PublishReachesSubscribersOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient("sub", TopicReport)
	other := newClient("other", TopicRuns)
	hub.Register(sub)
	hub.Register(other)

	payload := map[string]int{"patients": 2}
	require.NoError(t, hub.Publish(context.Background(), EventReportUpdated, TopicReport, "run-1", payload))

	ev := receive(t, sub)
	assert.Equal(t, EventReportUpdated, ev.Type)
	assert.Equal(t, TopicReport, ev.Topic)
	assert.Equal(t, "run-1", ev.RunID)
	assert.JSONEq(t, `{"patients": 2}`, string(ev.Data))

	select {
	case <-other.Send:
		t.Fatal("runs subscriber received a report event")
	default:
	}
}

func TestHub_PublishUnmarshalablePayload(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	err := hub.Publish(context.Background(), EventReportUpdated, TopicReport, "", make(chan int))
	assert.Error(t, err)
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{TopicReport}, Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast(Event{Type: EventReportUpdated, Topic: TopicReport})
	hub.Broadcast(Event{Type: EventRunFailed, Topic: TopicReport})

	assert.Equal(t, EventReportUpdated, receive(t, c).Type)
	select {
	case <-c.Send:
		t.Fatal("expected second event to be dropped")
	default:
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c", TopicReport)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{TopicRuns, TopicReport}})
	assert.ElementsMatch(t, []string{TopicReport, TopicRuns}, c.Topics)
	assert.Equal(t, 1, hub.TopicCount(TopicRuns))

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{TopicReport}})
	assert.Equal(t, []string{TopicRuns}, c.Topics)
	assert.Equal(t, 0, hub.TopicCount(TopicReport))

	hub.ProcessMessage(c, ClientMessage{Action: "ignored", Topics: []string{"x"}})
	assert.Equal(t, []string{TopicRuns}, c.Topics)
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", TopicReport)
			hub.Register(c)
			hub.Broadcast(Event{Type: EventReportUpdated, Topic: TopicReport})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop())).RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return hub.TopicCount(TopicReport) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{TopicRuns}}))
	require.Eventually(t, func() bool { return hub.TopicCount(TopicRuns) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), EventRunFailed, TopicRuns, "r", map[string]string{"error": "boom"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventRunFailed, ev.Type)
	assert.Equal(t, "r", ev.RunID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
