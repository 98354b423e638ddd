package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"casewire/pkg/types"
)

type delivery struct {
	caseID string
	env    types.Envelope
}

type recorder struct {
	mu    sync.Mutex
	got   []delivery
	woken chan struct{}
}

func newRecorder() *recorder {
	return &recorder{woken: make(chan struct{}, 16)}
}

func (r *recorder) deliver(caseID string, env types.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, delivery{caseID: caseID, env: env})
	r.mu.Unlock()
	r.woken <- struct{}{}
}

func (r *recorder) wait(t *testing.T) delivery {
	t.Helper()
	select {
	case <-r.woken:
	case <-time.After(2 * time.Second):
		t.Fatal("no relay delivery before deadline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func setupRelays(t *testing.T) (*Redis, *Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	a := NewRedis(Config{Addr: mr.Addr()}, zap.NewNop())
	b := NewRedis(Config{Addr: mr.Addr()}, zap.NewNop())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, mr
}

func TestPublishReachesSiblingProcess(t *testing.T) {
	a, b, _ := setupRelays(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder()
	if err := b.Start(ctx, rec.deliver); err != nil {
		t.Fatalf("start consumer: %v", err)
	}

	env := types.NewEnvelope(types.EventMessageNew, map[string]string{"body": "hello"})
	if err := a.Publish(ctx, "c1", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := rec.wait(t)
	if got.caseID != "c1" || got.env.Type != types.EventMessageNew {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestPublisherFiltersItsOwnEvents(t *testing.T) {
	a, b, _ := setupRelays(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recA := newRecorder()
	recB := newRecorder()
	if err := a.Start(ctx, recA.deliver); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx, recB.deliver); err != nil {
		t.Fatalf("start b: %v", err)
	}

	if err := a.Publish(ctx, "c1", types.NewEnvelope(types.EventMessageRead, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The sibling sees it; the publisher must not double-deliver to its
	// own local connections.
	recB.wait(t)
	time.Sleep(100 * time.Millisecond)
	if recA.count() != 0 {
		t.Fatalf("publisher delivered its own event %d times", recA.count())
	}
}

func TestPublishFailureIsAnErrorNotAPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(Config{Addr: mr.Addr()}, zap.NewNop())
	t.Cleanup(func() { _ = r.Close() })

	mr.Close()

	err := r.Publish(context.Background(), "c1", types.NewEnvelope(types.EventMessageNew, nil))
	if err == nil {
		t.Fatal("expected publish against a dead redis to fail")
	}
}

func TestUndecodableFrameSkipped(t *testing.T) {
	_, b, mr := setupRelays(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder()
	if err := b.Start(ctx, rec.deliver); err != nil {
		t.Fatalf("start consumer: %v", err)
	}

	// Garbage on the channel must not kill the consumer.
	mr.Publish("casewire.events", "{not json")

	env := types.NewEnvelope(types.EventMessageNew, nil)
	data, _ := json.Marshal(frame{Origin: "someone-else", CaseID: "c2", Event: env})
	mr.Publish("casewire.events", string(data))

	got := rec.wait(t)
	if got.caseID != "c2" {
		t.Fatalf("unexpected delivery after garbage frame: %+v", got)
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", rec.count())
	}
}

func TestNoopRelay(t *testing.T) {
	var n Noop
	if err := n.Publish(context.Background(), "c1", types.Envelope{}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
	if err := n.Start(context.Background(), nil); err != nil {
		t.Fatalf("noop start: %v", err)
	}
}
