package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/studymatch/chat-server/internal/proto"
)

func TestAuthorizeRejectsInactiveRoom(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.active[2] = false

	sess := NewSession(env.deps, Identity{UserID: 10, Username: "alice"}, 2)
	err := sess.Authorize(context.Background())
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	if sess.State() != StateConnecting {
		t.Fatalf("unexpected state %d", sess.State())
	}
}

func TestAuthorizeRejectsUnknownRoom(t *testing.T) {
	env := newTestEnv(t)

	sess := NewSession(env.deps, Identity{UserID: 10, Username: "alice"}, 99)
	if err := sess.Authorize(context.Background()); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestAuthorizeRejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t)

	sess := NewSession(env.deps, Identity{UserID: 30, Username: "carol"}, 1)
	err := sess.Authorize(context.Background())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// A rejected connection must leave no trace.
	if n := env.registry.Count(1); n != 0 {
		t.Fatalf("expected empty registry, got %d subscribers", n)
	}
}

func TestAuthorizeOracleFailure(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.err = errors.New("oracle down")

	sess := NewSession(env.deps, Identity{UserID: 10, Username: "alice"}, 1)
	err := sess.Authorize(context.Background())
	if err == nil || errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected generic failure, got %v", err)
	}
}

func TestValidMessageAppendsAndBroadcastsToBoth(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, aliceConn := env.startSession(t, ctx, 10, "alice", 1)
	_, bobConn := env.startSession(t, ctx, 20, "bob", 1)

	aliceConn.send(t, `{"message": "hi"}`)

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		payload := mustPayload(t, conn)
		if payload["message"] != "hi" {
			t.Fatalf("unexpected message: %v", payload)
		}
		if payload["username"] != "alice" {
			t.Fatalf("unexpected username: %v", payload)
		}
		if payload["user_id"] != float64(10) {
			t.Fatalf("unexpected user_id: %v", payload)
		}
		if _, ok := payload["timestamp"].(string); !ok {
			t.Fatalf("missing timestamp: %v", payload)
		}
	}

	if n := env.store.appendCount(); n != 1 {
		t.Fatalf("expected exactly one append, got %d", n)
	}
}

func TestWhitespaceBodyRejectedWithoutAppend(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, aliceConn := env.startSession(t, ctx, 10, "alice", 1)
	_, bobConn := env.startSession(t, ctx, 20, "bob", 1)

	aliceConn.send(t, `{"message": "   "}`)

	payload := mustPayload(t, aliceConn)
	if payload["error"] != proto.ErrMessageRequired {
		t.Fatalf("unexpected error payload: %v", payload)
	}
	if n := env.store.appendCount(); n != 0 {
		t.Fatalf("expected no appends, got %d", n)
	}
	mustSilence(t, bobConn)
}

func TestMalformedPayloadRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, aliceConn := env.startSession(t, ctx, 10, "alice", 1)

	aliceConn.send(t, `not json at all`)

	payload := mustPayload(t, aliceConn)
	if payload["error"] != proto.ErrInvalidJSON {
		t.Fatalf("unexpected error payload: %v", payload)
	}
	if n := env.store.appendCount(); n != 0 {
		t.Fatalf("expected no appends, got %d", n)
	}
}

func TestStoreFailureKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, aliceConn := env.startSession(t, ctx, 10, "alice", 1)

	env.store.setFail(true)
	aliceConn.send(t, `{"message": "hi"}`)

	payload := mustPayload(t, aliceConn)
	if payload["error"] != proto.ErrFailedToSave {
		t.Fatalf("unexpected error payload: %v", payload)
	}

	// The connection survives the outage and the next send succeeds.
	env.store.setFail(false)
	aliceConn.send(t, `{"message": "still here"}`)

	payload = mustPayload(t, aliceConn)
	if payload["message"] != "still here" {
		t.Fatalf("expected broadcast after recovery, got %v", payload)
	}
}

func TestEchoStopsAfterDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	aliceSess, aliceConn := env.startSession(t, ctx, 10, "alice", 1)
	_, bobConn := env.startSession(t, ctx, 20, "bob", 1)

	aliceConn.disconnect()
	waitForState(t, aliceSess, StateClosed)

	bobConn.send(t, `{"message": "anyone there"}`)
	payload := mustPayload(t, bobConn)
	if payload["message"] != "anyone there" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	mustSilence(t, aliceConn)
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sess, conn := env.startSession(t, ctx, 10, "alice", 1)
	if n := env.registry.Count(1); n != 1 {
		t.Fatalf("expected one subscriber, got %d", n)
	}

	conn.disconnect()
	waitForState(t, sess, StateClosed)

	sess.Close()
	sess.Close()

	if n := env.registry.Count(1); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
	if n := env.bus.unsubscribeCount(); n != 1 {
		t.Fatalf("expected exactly one bus unsubscribe, got %d", n)
	}
}

func TestMessagesDeliveredInStoreOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, aliceConn := env.startSession(t, ctx, 10, "alice", 1)
	_, bobConn := env.startSession(t, ctx, 20, "bob", 1)

	const total = 10
	for i := 0; i < total; i++ {
		aliceConn.send(t, fmt.Sprintf(`{"message": "msg-%d"}`, i))
		// Drain alice's own echo so her queue cannot overflow.
		mustPayload(t, aliceConn)
	}

	for i := 0; i < total; i++ {
		payload := mustPayload(t, bobConn)
		want := fmt.Sprintf("msg-%d", i)
		if payload["message"] != want {
			t.Fatalf("out of order: got %v, want %q", payload["message"], want)
		}
	}
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached state %d, stuck at %d", want, sess.State())
}
