package hub

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/agrilink/internal/models"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes []envelope
	closed bool
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v.(envelope))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		out = append(out, w.Event)
	}
	return out
}

func newTestHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIdentifyJoinsPersonalRoomOnAllDevices(t *testing.T) {
	h := newTestHub()
	phone, laptop := &fakeTransport{}, &fakeTransport{}
	h.Add("c1", phone)
	h.Add("c2", laptop)
	h.Identify("c1", "u1")
	h.Identify("c2", "u1")

	h.Publish(models.UserRoom("u1"), "notification", models.Notification{Title: "hi"})

	if len(phone.events()) != 1 || len(laptop.events()) != 1 {
		t.Fatalf("expected both devices to receive the user-room event, got %d and %d", len(phone.events()), len(laptop.events()))
	}
	if user, ok := h.UserFor("c2"); !ok || user != "u1" {
		t.Fatalf("UserFor(c2) = %q, %v", user, ok)
	}
}

func TestPublishExceptSkipsSender(t *testing.T) {
	h := newTestHub()
	a, b := &fakeTransport{}, &fakeTransport{}
	h.Add("a", a)
	h.Add("b", b)
	h.Join("a", "order-1")
	h.Join("b", "order-1")

	h.PublishExcept("order-1", "locationUpdate", nil, "a")

	if len(a.events()) != 0 {
		t.Fatalf("excluded connection received %d events", len(a.events()))
	}
	if len(b.events()) != 1 {
		t.Fatalf("expected 1 event on b, got %d", len(b.events()))
	}
}

func TestPublishEmptyRoomIsNoOp(t *testing.T) {
	h := newTestHub()
	h.Publish("order-nobody", "locationUpdate", nil)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	h.Add("c1", tr)
	h.Identify("c1", "u1")
	h.Join("c1", "order-1")
	h.Join("c1", "negotiation-9")

	h.Disconnect("c1")

	if !tr.closed {
		t.Fatal("transport not closed on disconnect")
	}
	for _, room := range []string{"order-1", "negotiation-9", models.UserRoom("u1")} {
		if n := h.RoomSize(room); n != 0 {
			t.Fatalf("room %s still has %d members after disconnect", room, n)
		}
	}
	if _, ok := h.UserFor("c1"); ok {
		t.Fatal("identity survived disconnect")
	}
}

func TestSendToUnknownConnectionIsNoOp(t *testing.T) {
	h := newTestHub()
	h.SendTo("ghost", "error", models.ErrorEvent{Message: "x"})
}
