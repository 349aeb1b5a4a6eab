package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/studymatch/chat-server/internal/bus"
	"github.com/studymatch/chat-server/internal/store"
)

func newTestBus(r *Registry) bus.Bus {
	return bus.NewMemoryBus(r.PublishLocal)
}

// fakeConn is an in-memory core.Conn driven by channels.
type fakeConn struct {
	inbound   chan []byte
	outbound  chan []byte
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case c.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) send(t *testing.T, data string) {
	t.Helper()
	select {
	case c.inbound <- []byte(data):
	case <-time.After(time.Second):
		t.Fatal("fake conn inbound full")
	}
}

// disconnect makes the next Read return io.EOF, like a closed socket.
func (c *fakeConn) disconnect() {
	c.closeOnce.Do(func() { close(c.inbound) })
}

// mustPayload waits for the next frame written to the connection and
// decodes it into a generic map.
func mustPayload(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-c.outbound:
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("bad payload %q: %v", data, err)
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("expected payload not received")
		return nil
	}
}

// mustSilence asserts the connection receives nothing for a short window.
func mustSilence(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case data := <-c.outbound:
		t.Fatalf("unexpected payload: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

// fakeOracle answers membership questions from fixed maps.
type fakeOracle struct {
	active  map[int64]bool
	members map[int64][]int64
	err     error
}

func (o *fakeOracle) RoomActive(_ context.Context, roomID int64) (bool, error) {
	if o.err != nil {
		return false, o.err
	}
	return o.active[roomID], nil
}

func (o *fakeOracle) IsParticipant(_ context.Context, roomID, userID int64) (bool, error) {
	if o.err != nil {
		return false, o.err
	}
	for _, id := range o.members[roomID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// fakeStore counts appends and assigns per-room sequences.
type fakeStore struct {
	mu      sync.Mutex
	seq     map[int64]int64
	appends int
	fail    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{seq: make(map[int64]int64)}
}

func (f *fakeStore) AppendMessage(_ context.Context, roomID, _ int64, _ string) (store.AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return store.AppendResult{}, errors.New("store down")
	}
	f.appends++
	f.seq[roomID]++
	return store.AppendResult{Sequence: f.seq[roomID], CreatedAt: time.Now()}, nil
}

func (f *fakeStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *fakeStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// countingBus wraps a Bus and counts unsubscribe calls.
type countingBus struct {
	bus.Bus
	mu           sync.Mutex
	unsubscribes int
}

func (b *countingBus) Unsubscribe(roomID int64) error {
	b.mu.Lock()
	b.unsubscribes++
	b.mu.Unlock()
	return b.Bus.Unsubscribe(roomID)
}

func (b *countingBus) unsubscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribes
}

// testEnv bundles a registry, memory bus and fakes wired together.
type testEnv struct {
	registry *Registry
	bus      *countingBus
	store    *fakeStore
	oracle   *fakeOracle
	deps     Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	registry := NewRegistry(&logger)
	memBus := &countingBus{Bus: newTestBus(registry)}

	st := newFakeStore()
	oracle := &fakeOracle{
		active:  map[int64]bool{1: true},
		members: map[int64][]int64{1: {10, 20}},
	}

	return &testEnv{
		registry: registry,
		bus:      memBus,
		store:    st,
		oracle:   oracle,
		deps: Deps{
			Registry: registry,
			Bus:      memBus,
			Store:    st,
			Oracle:   oracle,
			Timeout:  time.Second,
			Log:      &logger,
		},
	}
}

// startSession authorizes, subscribes and runs a session over a fake conn.
func (e *testEnv) startSession(t *testing.T, ctx context.Context, userID int64, username string, roomID int64) (*Session, *fakeConn) {
	t.Helper()

	sess := NewSession(e.deps, Identity{UserID: userID, Username: username}, roomID)
	if err := sess.Authorize(ctx); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := sess.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx, conn)
	}()
	t.Cleanup(func() {
		conn.disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})

	return sess, conn
}
