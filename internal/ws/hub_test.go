package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/presence"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/protocol"
)

func setupHub(t *testing.T) (*Hub, *presence.Tracker) {
	t.Helper()
	tracker := presence.NewTracker()
	return NewHub(tracker, zap.NewNop()), tracker
}

// Registers a connection-less client with the given queue size
func addClient(h *Hub, tracker *presence.Tracker, id, projectID string, buffer int) *Client {
	c := &Client{hub: h, id: id, send: make(chan []byte, buffer)}
	h.Register(c)
	if projectID != "" {
		tracker.Attach(id, projectID, "user-"+id)
	}
	return c
}

func drain(c *Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestPublishExcludesSender(t *testing.T) {
	h, tracker := setupHub(t)
	a := addClient(h, tracker, "a", "p1", 8)
	b := addClient(h, tracker, "b", "p1", 8)
	other := addClient(h, tracker, "c", "p2", 8)

	if err := h.Publish("p1", "a", protocol.CodeUpdate{FileID: "1", Content: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := drain(a); len(got) != 0 {
		t.Errorf("Sender should not receive its own update, got %d", len(got))
	}
	got := drain(b)
	if len(got) != 1 || got[0].Type != protocol.TypeCodeUpdate {
		t.Errorf("Expected one code_update for b, got %+v", got)
	}
	if got := drain(other); len(got) != 0 {
		t.Errorf("Other project must not receive the update, got %d", len(got))
	}
}

func TestPublishToAll(t *testing.T) {
	h, tracker := setupHub(t)
	a := addClient(h, tracker, "a", "p1", 8)
	b := addClient(h, tracker, "b", "p1", 8)

	h.Publish("p1", "", protocol.Joined{Username: "a"})

	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Error("Every member should receive an event published without exclusion")
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	h, tracker := setupHub(t)
	addClient(h, tracker, "a", "p1", 256)
	b := addClient(h, tracker, "b", "p1", 256)

	for i := 0; i < 100; i++ {
		h.Publish("p1", "a", protocol.CodeUpdate{FileID: "1", Content: fmt.Sprint(i)})
	}

	got := drain(b)
	if len(got) != 100 {
		t.Fatalf("Expected 100 updates, got %d", len(got))
	}
	for i, env := range got {
		var upd protocol.CodeUpdate
		json.Unmarshal(env.Data, &upd)
		if upd.Content != fmt.Sprint(i) {
			t.Fatalf("Update %d out of order: %q", i, upd.Content)
		}
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h, tracker := setupHub(t)
	dropped := make(chan string, 1)
	h.SetDropHandler(func(id string) { dropped <- id })

	addClient(h, tracker, "fast", "p1", 16)
	slow := addClient(h, tracker, "slow", "p1", 1)

	h.Publish("p1", "", protocol.CodeUpdate{Content: "1"})
	h.Publish("p1", "", protocol.CodeUpdate{Content: "2"})

	select {
	case id := <-dropped:
		if id != "slow" {
			t.Errorf("Expected slow to be dropped, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Drop handler was not called")
	}

	if h.ClientCount() != 1 {
		t.Errorf("Expected 1 client after drop, got %d", h.ClientCount())
	}
	// queue holds the one buffered message, then is closed
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("Slow client's queue should be closed")
	}
}

func TestSendTo(t *testing.T) {
	h, tracker := setupHub(t)
	a := addClient(h, tracker, "a", "", 4)

	if err := h.SendTo("a", "r1", protocol.Error{Message: "Access denied"}); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	got := drain(a)
	if len(got) != 1 || got[0].ID != "r1" || got[0].Type != protocol.TypeError {
		t.Errorf("Unexpected reply: %+v", got)
	}

	if err := h.SendTo("ghost", "", protocol.Error{}); err != ErrNoClient {
		t.Errorf("Expected ErrNoClient, got %v", err)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h, tracker := setupHub(t)
	addClient(h, tracker, "a", "p1", 1)

	h.Unregister("a")
	h.Unregister("a")

	if h.ClientCount() != 0 {
		t.Errorf("Expected no clients, got %d", h.ClientCount())
	}
	if err := h.Publish("p1", "", protocol.CodeUpdate{}); err != nil {
		t.Errorf("Publish to a departed client should be a no-op, got %v", err)
	}
}

func TestCloseProject(t *testing.T) {
	h, tracker := setupHub(t)
	a := addClient(h, tracker, "a", "p1", 4)
	addClient(h, tracker, "b", "p2", 4)

	h.CloseProject("p1", "deleted")

	got := drain(a)
	if len(got) != 1 || got[0].Type != protocol.TypeProjectClosed {
		t.Errorf("Expected project_closed, got %+v", got)
	}
	if h.ClientCount() != 1 {
		t.Errorf("Expected only the other project's client to remain, got %d", h.ClientCount())
	}
}

func TestCloseAll(t *testing.T) {
	h, tracker := setupHub(t)
	a := addClient(h, tracker, "a", "p1", 4)
	b := addClient(h, tracker, "b", "p2", 4)
	idle := addClient(h, tracker, "idle", "", 4)

	h.CloseAll("shutdown")

	if h.ClientCount() != 0 {
		t.Errorf("Expected no clients, got %d", h.ClientCount())
	}
	for _, c := range []*Client{a, b} {
		got := drain(c)
		if len(got) != 1 || got[0].Type != protocol.TypeProjectClosed {
			t.Errorf("%s: expected project_closed, got %+v", c.id, got)
		}
	}
	if got := drain(idle); len(got) != 0 {
		t.Errorf("Unattached client should get nothing, got %+v", got)
	}
	if _, ok := <-a.send; ok {
		t.Error("Send queue should be closed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	h, tracker := setupHub(t)
	for i := 0; i < 10; i++ {
		addClient(h, tracker, fmt.Sprintf("c%d", i), "p1", 1024)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish("p1", fmt.Sprintf("c%d", i), protocol.CodeUpdate{Content: "x"})
			}
		}(i)
	}
	wg.Wait()

	if h.ClientCount() != 10 {
		t.Errorf("No client should be dropped, have %d", h.ClientCount())
	}
}
