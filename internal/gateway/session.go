package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parley-chat/parley/internal/snowflake"
)

// CloseCode is a WebSocket close status sent when the server terminates a
// connection.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseInvalidPayload  CloseCode = 1007
	ClosePolicyViolation CloseCode = 1008
	CloseServerError     CloseCode = 1011
)

// Conn is the transport a session reads from and writes to. The production
// implementation wraps a coder/websocket connection; tests use an in-memory
// pair.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code CloseCode, reason string) error
}

// State is a session's position in the connection protocol.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingIdentify
	StateReady
	StateClosed
)

// CloseReason distinguishes who ended a closed session.
type CloseReason int

const (
	// ReasonDisconnected covers client closes, network errors, missed
	// heartbeats and queue overflow.
	ReasonDisconnected CloseReason = iota
	// ReasonInvalidated covers server-initiated invalidation, e.g. a
	// revoked token. The client must re-run the IDENTIFY handshake.
	ReasonInvalidated
)

// outFrame is one entry on a session's outbound queue. A frame with close
// set instructs the writer to send the close frame and stop.
type outFrame struct {
	payload []byte
	close   bool
	code    CloseCode
	reason  string
}

// Session is one live gateway connection. The connection's own goroutines
// exclusively mutate its state; the registry and dispatcher only ever touch
// it through TrySend and the close helpers.
type Session struct {
	ID     uuid.UUID
	UserID snowflake.ID

	conn Conn
	out  chan outFrame
	done chan struct{}

	mu            sync.Mutex
	state         State
	closeReason   CloseReason
	lastHeartbeat time.Time

	closeOnce sync.Once
	hbReset   chan struct{}
	typingLim *rate.Limiter
	log       *slog.Logger
}

func newSession(conn Conn, queueSize int, log *slog.Logger) *Session {
	return &Session{
		ID:    uuid.New(),
		conn:  conn,
		out:   make(chan outFrame, queueSize),
		done:  make(chan struct{}),
		state: StateConnecting,
		// One typing broadcast per second with a small burst is plenty for
		// a UX hint.
		typingLim: rate.NewLimiter(rate.Every(time.Second), 3),
		hbReset:   make(chan struct{}, 1),
		log:       log,
	}
}

// State returns the session's current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// CloseReason is only meaningful once State() == StateClosed.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) markHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()

	select {
	case s.hbReset <- struct{}{}:
	default:
	}
}

// TrySend enqueues an already-serialized frame without blocking. It reports
// false only when the queue is full; enqueueing onto a session that is
// already closed is a no-op and reports true, since teardown and dispatch
// may race.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.out <- outFrame{payload: frame}:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// errQueueOverflow marks a send that failed because the client stopped
// draining its queue. The session is already closed when it is returned.
var errQueueOverflow = errors.New("outbound queue overflow")

// sendEvent marshals and enqueues an event. A full queue means the client
// has stopped draining server-originated frames, so the session is
// force-closed rather than left Ready with frames missing. Reports whether
// the frame was enqueued.
func (s *Session) sendEvent(ev Event) bool {
	frame, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to marshal event", "event", ev.Name, "error", err)
		return true
	}
	if !s.TrySend(frame) {
		s.log.Warn("outbound queue overflow, closing session",
			"session_id", s.ID,
			"user_id", s.UserID,
			"event", ev.Name)
		s.shutdown(ReasonDisconnected, ClosePolicyViolation, "outbound queue overflow")
		return false
	}
	return true
}

// enqueueClose asks the writer to flush the queue up to this point, then
// send a close frame and stop. Falls back to an immediate shutdown when the
// queue is saturated.
func (s *Session) enqueueClose(reason CloseReason, code CloseCode, why string) {
	select {
	case s.out <- outFrame{close: true, code: code, reason: why}:
		s.setReason(reason)
	default:
		s.shutdown(reason, code, why)
	}
}

func (s *Session) setReason(reason CloseReason) {
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
}

// shutdown transitions to Closed exactly once, wakes every goroutine parked
// on done, and tears the transport down.
func (s *Session) shutdown(reason CloseReason, code CloseCode, why string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.mu.Unlock()

		close(s.done)
		if err := s.conn.Close(code, why); err != nil {
			s.log.Debug("close failed", "session_id", s.ID, "error", err)
		}
	})
}

// writeLoop drains the outbound queue onto the socket in enqueue order. It
// owns all writes after the handshake, so per-session FIFO holds.
func (s *Session) writeLoop(ctx context.Context, writeTimeout time.Duration) {
	for {
		select {
		case frame := <-s.out:
			if frame.close {
				s.shutdown(s.CloseReason(), frame.code, frame.reason)
				return
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, frame.payload)
			cancel()
			if err != nil {
				s.log.Debug("write failed", "session_id", s.ID, "user_id", s.UserID, "error", err)
				s.shutdown(ReasonDisconnected, CloseNormal, "")
				return
			}

		case <-s.done:
			return
		case <-ctx.Done():
			s.shutdown(ReasonDisconnected, CloseGoingAway, "server shutting down")
			return
		}
	}
}
