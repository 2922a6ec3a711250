package relay

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sorphin/ruida-laser/internal"
	"github.com/sorphin/ruida-laser/pkg/ruidawire"
)

// DefaultBusyTimeout is the inactivity span after which a busy session may
// be superseded by a new sender.
const DefaultBusyTimeout = 10 * time.Second

// Datagram is one packet as received from a socket.
type Datagram struct {
	Payload []byte
	Sender  *net.UDPAddr
	Arrived time.Time
}

// Session is the busy state of the stream arbitration machine. A nil
// *Session is the idle state. The owning address is fixed for the lifetime
// of the session; ownership only moves by timeout supersession or explicit
// completion.
type Session struct {
	ID           uuid.UUID
	Owner        *net.UDPAddr
	StartedAt    time.Time
	LastActivity time.Time
	sink         Sink
}

// Admission is the outcome of running one datagram through the machine.
type Admission struct {
	// Accepted means the datagram should be forwarded and was persisted.
	Accepted bool
	// EndOfStream means the payload carried the end token and the session
	// was closed.
	EndOfStream bool
	// Superseded means a stale session was forcibly terminated; the
	// forwarder must emit a synthetic end token downstream before the new
	// session's first datagram.
	Superseded bool
	// Captured is how many payload bytes went to the sink.
	Captured int
}

// SinkName exposes the capture destination, for logging.
func (s *Session) SinkName() string {
	if s == nil || s.sink == nil {
		return ""
	}
	return s.sink.Name()
}

// Close releases the session's sink. Safe on nil.
func (s *Session) Close() error {
	if s == nil || s.sink == nil {
		return nil
	}
	return s.sink.Close()
}

// HandleDatagram runs one datagram through the state machine and returns
// the successor session state. A nil input session is idle; a nil returned
// session means the machine is idle again. All session state lives in the
// value passed here, never in package globals.
//
// The busy timeout is evaluated lazily, only when a datagram from a
// different sender arrives; a session with no further traffic stays busy.
func HandleDatagram(s *Session, d Datagram, timeout time.Duration, sinks SinkFactory) (*Session, Admission, error) {
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}

	if s == nil {
		return startSession(d, sinks, Admission{})
	}

	if sameAddr(s.Owner, d.Sender) {
		return appendToSession(s, d)
	}

	if d.Arrived.Sub(s.LastActivity) <= timeout {
		internal.Debug("stream busy, rejecting foreign sender", internal.Fields{
			internal.FieldAddr:    d.Sender.String(),
			internal.FieldSession: s.ID.String(),
		})
		return s, Admission{}, nil
	}

	// The owner went quiet past the timeout and someone else wants the
	// stream. Terminate the stale session and let the newcomer take over.
	internal.Warn("superseding stale stream session", internal.Fields{
		internal.FieldSession: s.ID.String(),
		internal.FieldAddr:    d.Sender.String(),
		"stale_owner":         s.Owner.String(),
	})
	if err := s.Close(); err != nil {
		internal.Error("failed to close stale capture sink", internal.Fields{
			internal.FieldError:  err.Error(),
			internal.CapturePath: s.SinkName(),
		})
	}
	return startSession(d, sinks, Admission{Superseded: true})
}

func startSession(d Datagram, sinks SinkFactory, adm Admission) (*Session, Admission, error) {
	sink, err := sinks(d.Arrived)
	if err != nil {
		return nil, adm, fmt.Errorf("open sink: %w", err)
	}

	s := &Session{
		ID:           uuid.New(),
		Owner:        d.Sender,
		StartedAt:    d.Arrived,
		LastActivity: d.Arrived,
		sink:         sink,
	}
	internal.Info("stream session started", internal.Fields{
		internal.FieldSession: s.ID.String(),
		internal.FieldAddr:    d.Sender.String(),
		internal.CapturePath:  sink.Name(),
	})
	return appendWith(s, d, adm)
}

func appendToSession(s *Session, d Datagram) (*Session, Admission, error) {
	return appendWith(s, d, Admission{})
}

func appendWith(s *Session, d Datagram, adm Admission) (*Session, Admission, error) {
	// The sink stores the job byte stream, so the two checksum bytes each
	// chunk carries on the wire are stripped; forwarding stays verbatim.
	capture := d.Payload
	if len(capture) >= ruidawire.ChecksumLen {
		capture = capture[ruidawire.ChecksumLen:]
	}
	if _, err := s.sink.Write(capture); err != nil {
		// A session that cannot persist must not keep accepting data.
		closeErr := s.Close()
		if closeErr != nil {
			internal.Error("failed to close capture sink", internal.Fields{
				internal.FieldError: closeErr.Error(),
			})
		}
		return nil, adm, fmt.Errorf("write sink %s: %w", s.SinkName(), err)
	}
	adm.Accepted = true
	adm.Captured = len(capture)
	s.LastActivity = d.Arrived

	if ruidawire.ContainsEndToken(capture) {
		adm.EndOfStream = true
		internal.Info("stream session completed", internal.Fields{
			internal.FieldSession: s.ID.String(),
			internal.CapturePath:  s.SinkName(),
		})
		if err := s.Close(); err != nil {
			return nil, adm, fmt.Errorf("close sink %s: %w", s.SinkName(), err)
		}
		return nil, adm, nil
	}
	return s, adm, nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
