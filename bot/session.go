package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AlphafromZion/matrix-agent-room/mention"
	"github.com/AlphafromZion/matrix-agent-room/store"
	"github.com/AlphafromZion/matrix-agent-room/transport"
)

// State is the session lifecycle: disconnected until the first dial,
// syncing while (re)establishing and resuming, ready while consuming.
type State int32

const (
	StateDisconnected State = iota
	StateSyncing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Transport is one connection's worth of homeserver access. A transport
// is single-use: once Done is closed the session dials a fresh one and
// resumes from its cursor.
type Transport interface {
	Dial(ctx context.Context) error
	Resume(ctx context.Context, cursor int64) error
	Events() <-chan transport.RoomEvent
	Publish(ctx context.Context, roomID, body string) (transport.RoomEvent, error)
	Typing(ctx context.Context, roomID string, typing bool)
	Done() <-chan struct{}
	Close()
}

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Session is one persona's event loop. It consumes the feed, drops its own
// echoes and duplicates, resolves mentions, and hands work to the
// dispatcher without ever blocking on inference.
type Session struct {
	persona    *Persona
	dial       func() Transport
	dispatcher *Dispatcher
	resolver   *mention.Resolver
	db         *store.Store // nil disables persistence
	maxAge     time.Duration
	windowCap  int
	log        *slog.Logger

	cursor int64

	mu    sync.RWMutex
	conn  Transport
	state State
}

// NewSession wires a session. dial must return a fresh Transport each
// call. db may be nil (no cursor persistence, no transcript).
func NewSession(p *Persona, dial func() Transport, d *Dispatcher, r *mention.Resolver, db *store.Store, maxAge time.Duration, windowCap int) *Session {
	return &Session{
		persona:    p,
		dial:       dial,
		dispatcher: d,
		resolver:   r,
		db:         db,
		maxAge:     maxAge,
		windowCap:  windowCap,
		log:        slog.With("persona", p.Name, "user", p.User),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Publish sends as this persona over the current connection.
func (s *Session) Publish(ctx context.Context, roomID, body string) (transport.RoomEvent, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return transport.RoomEvent{}, transport.ErrClosed
	}
	return conn.Publish(ctx, roomID, body)
}

// Typing toggles the indicator, best effort.
func (s *Session) Typing(ctx context.Context, roomID string, typing bool) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		conn.Typing(ctx, roomID, typing)
	}
}

// Run drives the session until ctx is cancelled. Transport failures are
// local: the session reconnects and resumes on its own without touching
// sibling sessions.
func (s *Session) Run(ctx context.Context) error {
	s.restore()

	delay := reconnectBase
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		s.setState(StateSyncing)
		conn := s.dial()
		if err := conn.Dial(ctx); err != nil {
			s.log.Warn("dial failed", "err", err, "retry_in", delay)
			conn.Close()
			if !sleep(ctx, delay) {
				s.setState(StateDisconnected)
				return nil
			}
			delay = nextDelay(delay)
			continue
		}
		if err := conn.Resume(ctx, s.cursor); err != nil {
			s.log.Warn("resume failed", "err", err, "retry_in", delay)
			conn.Close()
			if !sleep(ctx, delay) {
				s.setState(StateDisconnected)
				return nil
			}
			delay = nextDelay(delay)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateReady
		s.mu.Unlock()
		s.log.Info("ready", "cursor", s.cursor)
		delay = reconnectBase

		s.consume(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}
		s.log.Warn("disconnected, reconnecting")
	}
}

func (s *Session) consume(ctx context.Context, conn Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case evt := <-conn.Events():
			s.handle(evt)
		}
	}
}

// handle processes one feed event. The cursor only moves forward, so an
// event replayed across a resume is dropped before it can act twice.
func (s *Session) handle(evt transport.RoomEvent) {
	if evt.Seq <= s.cursor {
		return
	}
	s.cursor = evt.Seq

	// The cursor is persisted before the dispatch outcome: a crash after
	// this point drops the mention rather than replaying it (at-most-once;
	// the stale guard would suppress most replays on restart anyway).
	if s.db != nil {
		if err := s.db.RecordEvent(s.persona.Name, evt); err != nil {
			s.log.Error("transcript insert failed", "err", err)
		}
		if err := s.db.SetCursor(s.persona.Name, evt.Seq); err != nil {
			s.log.Error("cursor update failed", "err", err)
		}
	}

	// Anti-echo: never react to our own account, not even as context; our
	// replies enter the window when the dispatcher commits them.
	if evt.Sender == s.persona.User {
		return
	}

	match := s.matchSelf(evt.Body)
	stale := s.maxAge > 0 && !evt.Timestamp.IsZero() && time.Since(evt.Timestamp) > s.maxAge

	if match == nil || stale {
		// Plain chatter, someone else's mention, or a replayed backlog
		// entry: context only.
		s.dispatcher.Observe(s.persona.Name, evt)
		return
	}

	s.dispatcher.Dispatch(&Request{
		Persona:       s.persona,
		RoomID:        evt.RoomID,
		Prompt:        match.Prompt,
		Requester:     evt.Sender,
		RequesterName: evt.SenderName,
		Trigger:       evt,
		Publisher:     s,
	})
}

func (s *Session) matchSelf(body string) *mention.Match {
	for _, m := range s.resolver.Resolve(body) {
		if m.Name == s.persona.Name {
			return &m
		}
	}
	return nil
}

// restore loads the cursor and primes windows from the transcript so a
// restarted persona keeps its short-term memory.
func (s *Session) restore() {
	if s.db == nil {
		return
	}

	cursor, err := s.db.GetCursor(s.persona.Name)
	if err != nil {
		s.log.Error("cursor load failed", "err", err)
	} else {
		s.cursor = cursor
	}

	rooms, err := s.db.Rooms(s.persona.Name)
	if err != nil {
		s.log.Error("room list failed", "err", err)
		return
	}
	for _, room := range rooms {
		events, err := s.db.RecentEvents(s.persona.Name, room, s.windowCap)
		if err != nil {
			s.log.Error("transcript load failed", "room", room, "err", err)
			continue
		}
		for _, evt := range events {
			s.dispatcher.Observe(s.persona.Name, evt)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}
