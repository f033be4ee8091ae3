package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/events"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*paho.Publish
	err  error
}

func (f *fakeSender) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return &paho.PublishResponse{}, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testPublisher(bus *events.Bus) *Publisher {
	return New(config.MQTTConfig{Broker: "mqtt://localhost:1883", Topic: "planwright"}, "planwright-test", bus,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEventTopic(t *testing.T) {
	p := testPublisher(nil)
	tests := []struct {
		name string
		e    events.Event
		want string
	}{
		{"task event", events.Event{Source: "orchestrator", Kind: "suggestion", Entity: "task/replace-faucet"}, "planwright/task/replace-faucet/suggestion"},
		{"project event", events.Event{Source: "api", Kind: "entity_updated", Entity: "project/kitchen"}, "planwright/project/kitchen/entity_updated"},
		{"no entity", events.Event{Source: "connwatch", Kind: "backend_down"}, "planwright/connwatch/backend_down"},
		{"wildcards stripped", events.Event{Source: "api", Kind: "entity_updated", Entity: "task/a+b#c"}, "planwright/task/a_b_c/entity_updated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.eventTopic(tt.e); got != tt.want {
				t.Errorf("eventTopic = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	p := testPublisher(nil)
	e := events.Event{
		Timestamp: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindSuggestion,
		Entity:    "task/replace-faucet",
		Data:      map[string]any{"title": "Install water filter"},
	}
	msg, err := p.message(e)
	if err != nil {
		t.Fatal(err)
	}
	if msg.QoS != 1 || msg.Retain {
		t.Errorf("QoS/Retain = %d/%v", msg.QoS, msg.Retain)
	}
	var back events.Event
	if err := json.Unmarshal(msg.Payload, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != e.Kind || back.Data["title"] != "Install water filter" {
		t.Errorf("payload = %s", msg.Payload)
	}

	state, _ := p.message(events.Event{Kind: events.KindCycleState, Entity: "task/x"})
	if state.QoS != 0 {
		t.Errorf("cycle_state QoS = %d, want 0", state.QoS)
	}
}

func TestForward(t *testing.T) {
	bus := events.New()
	p := testPublisher(bus)
	s := &fakeSender{err: errors.New("not connected")}
	ch := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.forward(ctx, s, ch)
	}()

	bus.Emit(events.SourceOrchestrator, events.KindCycleComplete, "task/replace-faucet", nil)
	bus.Emit(events.SourceOrchestrator, events.KindSuggestion, "task/replace-faucet", nil)

	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("forwarded %d events, want 2", s.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	bus.Unsubscribe(ch)

	if !strings.HasSuffix(s.sent[0].Topic, "/cycle_complete") || !strings.HasSuffix(s.sent[1].Topic, "/suggestion") {
		t.Errorf("topics = %s, %s", s.sent[0].Topic, s.sent[1].Topic)
	}
}

func TestForward_StopsWhenChannelCloses(t *testing.T) {
	bus := events.New()
	p := testPublisher(bus)
	ch := bus.Subscribe(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.forward(context.Background(), &fakeSender{}, ch)
	}()
	bus.Unsubscribe(ch)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after unsubscribe")
	}
}

func TestPublishAvailability(t *testing.T) {
	p := testPublisher(nil)
	s := &fakeSender{}
	p.publishAvailability(context.Background(), s, "online")
	if len(s.sent) != 1 {
		t.Fatalf("sent %d messages", len(s.sent))
	}
	m := s.sent[0]
	if m.Topic != "planwright/availability" || string(m.Payload) != "online" || !m.Retain || m.QoS != 1 {
		t.Errorf("availability = %+v", m)
	}
}

func TestStop_NotStarted(t *testing.T) {
	if err := testPublisher(nil).Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if u, err := uuid.Parse(first); err != nil || u.Version() != 7 {
		t.Errorf("instance id %q is not a UUIDv7", first)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil || second != first {
		t.Errorf("second load = %q, %v; want %q", second, err, first)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "instance_id"))
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file holds %q", data)
	}

	if _, err := LoadOrCreateInstanceID(filepath.Join(dir, "missing")); err == nil {
		t.Error("write into a missing directory succeeded")
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		prefix, id, want string
	}{
		{"planwright", "0190a8c4-7b2e-7c3d-9f00-1234abcd5678", "planwright-abcd5678"},
		{"planwright", "", "planwright"},
		{"pw", "abc", "pw-abc"},
	}
	for _, tt := range tests {
		if got := ClientID(tt.prefix, tt.id); got != tt.want {
			t.Errorf("ClientID(%q, %q) = %q, want %q", tt.prefix, tt.id, got, tt.want)
		}
	}
}
