package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/studymatch/chat-server/internal/bus"
	"github.com/studymatch/chat-server/internal/proto"
	"github.com/studymatch/chat-server/internal/store"
)

// State is a session's position in its one-directional lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthorized
	StateSubscribed
	StateClosed
)

// Conn is the transport as the session sees it. The websocket handler
// adapts the real socket; tests supply a pipe.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Deps bundles the collaborators a session needs.
type Deps struct {
	Registry *Registry
	Bus      bus.Bus
	Store    store.MessageStore
	Oracle   store.MembershipOracle

	// Timeout bounds each oracle lookup and store append.
	Timeout time.Duration

	Log *zerolog.Logger
}

// Session drives one connection's lifetime:
// Connecting -> Authorized -> Subscribed -> Closed. No state is
// re-enterable and Closed is reachable from every other state.
type Session struct {
	RoomID   int64
	Identity Identity

	conn Conn
	deps Deps
	sub  *Subscriber
	log  zerolog.Logger

	state     atomic.Int32
	closeOnce sync.Once
}

// NewSession builds a session for an identity the auth gate has already
// resolved. The session starts in Connecting; the transport connection is
// handed over in Run, after Authorize and Subscribe have passed and the
// handshake has been acknowledged.
func NewSession(deps Deps, identity Identity, roomID int64) *Session {
	sub := NewSubscriber(identity.UserID)
	logger := deps.Log.With().
		Str("conn_id", sub.ID).
		Int64("room_id", roomID).
		Int64("user_id", identity.UserID).
		Logger()

	return &Session{
		RoomID:   roomID,
		Identity: identity,
		deps:     deps,
		sub:      sub,
		log:      logger,
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ConnID is the session's connection identifier, used in logs.
func (s *Session) ConnID() string {
	return s.sub.ID
}

// Authorize verifies the room exists and is active and that the identity
// is one of its two participants. Both checks re-read the store on every
// connect so CRUD-side deactivations take effect immediately. On success
// the session moves to Authorized.
func (s *Session) Authorize(ctx context.Context) error {
	lookupCtx, cancel := context.WithTimeout(ctx, s.deps.Timeout)
	defer cancel()

	active, err := s.deps.Oracle.RoomActive(lookupCtx, s.RoomID)
	if err != nil {
		return fmt.Errorf("room lookup: %w", err)
	}
	if !active {
		return ErrRoomNotFound
	}

	member, err := s.deps.Oracle.IsParticipant(lookupCtx, s.RoomID, s.Identity.UserID)
	if err != nil {
		return fmt.Errorf("participant lookup: %w", err)
	}
	if !member {
		return ErrForbidden
	}

	s.state.Store(int32(StateAuthorized))
	return nil
}

// Subscribe registers the connection with the local registry and takes a
// reference on the room's bus topic. The bus reference is per process and
// shared by every local connection on the room.
func (s *Session) Subscribe(ctx context.Context) error {
	if s.State() != StateAuthorized {
		return fmt.Errorf("subscribe from state %d", s.State())
	}

	s.deps.Registry.Subscribe(s.RoomID, s.sub)
	if err := s.deps.Bus.Subscribe(ctx, s.RoomID); err != nil {
		s.deps.Registry.Unsubscribe(s.RoomID, s.sub)
		return fmt.Errorf("bus subscribe: %w", err)
	}

	s.state.Store(int32(StateSubscribed))
	return nil
}

// Run drives the steady state over the accepted transport connection: the
// read loop handles inbound messages, the delivery loop pushes bus events
// down the socket. It returns when either side fails or ctx is cancelled,
// after teardown has completed. A panic in either loop is caught at the
// session boundary; it closes this session only.
func (s *Session) Run(ctx context.Context, conn Conn) error {
	s.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.guard(ctx, s.readLoop)
	}()
	go func() {
		errCh <- s.guard(ctx, s.deliverLoop)
	}()

	err := <-errCh
	cancel() // stop the other loop
	<-errCh

	s.Close()
	return err
}

// Close tears the session down: unregister from the registry first, then
// release the bus topic reference. Safe to call from any state and any
// number of times; only the first call has effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		if prev != StateSubscribed {
			return
		}

		s.deps.Registry.Unsubscribe(s.RoomID, s.sub)
		if err := s.deps.Bus.Unsubscribe(s.RoomID); err != nil {
			s.log.Warn().Err(err).Msg("bus unsubscribe")
		}
		s.log.Debug().Msg("session closed")
	})
}

// guard converts a panic in a session loop into a generic internal error
// on the socket and a returned error, so one broken session never takes
// down the process.
func (s *Session) guard(ctx context.Context, loop func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("session loop panicked")
			_ = s.writeError(ctx, proto.ErrInternal)
			err = fmt.Errorf("session panic: %v", r)
		}
	}()
	return loop(ctx)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := s.handleInbound(ctx, data); err != nil {
			return err
		}
	}
}

// handleInbound gives every inbound frame exactly one terminal outcome:
// saved and published, or a structured error back to the sender. Only a
// failed socket write is fatal to the session.
func (s *Session) handleInbound(ctx context.Context, data []byte) error {
	var in proto.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.log.Debug().Err(err).Msg("malformed payload")
		return s.writeError(ctx, proto.ErrInvalidJSON)
	}

	body := strings.TrimSpace(in.Message)
	if body == "" {
		return s.writeError(ctx, proto.ErrMessageRequired)
	}

	// The append keeps running even if the socket drops mid-flight: a
	// saved message surfaces via history either way.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.Timeout)
	defer cancel()

	res, err := s.deps.Store.AppendMessage(appendCtx, s.RoomID, s.Identity.UserID, body)
	if err != nil {
		s.log.Error().Err(err).Msg("append message")
		return s.writeError(ctx, proto.ErrFailedToSave)
	}

	evt := bus.Event{
		RoomID:     s.RoomID,
		SenderID:   s.Identity.UserID,
		SenderName: s.Identity.Username,
		Body:       body,
		Sequence:   res.Sequence,
		Timestamp:  res.CreatedAt,
	}
	if err := s.deps.Bus.Publish(appendCtx, s.RoomID, evt); err != nil {
		// Saved but not delivered; it will show up on the next history
		// fetch. The sender still gets a definite outcome.
		s.log.Error().Err(err).Int64("seq", res.Sequence).Msg("publish event")
		return s.writeError(ctx, proto.ErrInternal)
	}

	return nil
}

func (s *Session) deliverLoop(ctx context.Context) error {
	for {
		select {
		case evt := <-s.sub.Events():
			payload := proto.Broadcast{
				Message:   evt.Body,
				Username:  evt.SenderName,
				UserID:    evt.SenderID,
				Timestamp: evt.Timestamp.Format(time.RFC3339Nano),
			}
			data, err := json.Marshal(payload)
			if err != nil {
				s.log.Error().Err(err).Msg("marshal broadcast")
				continue
			}
			if err := s.conn.Write(ctx, data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) writeError(ctx context.Context, msg string) error {
	data, err := json.Marshal(proto.Error{Error: msg})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, data)
}
