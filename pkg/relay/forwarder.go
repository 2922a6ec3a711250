package relay

import (
	"context"
	"net"
	"time"

	"github.com/sorphin/ruida-laser/internal"
	"github.com/sorphin/ruida-laser/pkg/metrics"
	"github.com/sorphin/ruida-laser/pkg/ruidawire"
)

// ForwarderParams wires the two sockets to one stream session.
type ForwarderParams struct {
	// DeviceAddr is where accepted world traffic is forwarded.
	DeviceAddr *net.UDPAddr
	// BusyTimeout bounds the inactivity span before supersession.
	BusyTimeout time.Duration
	Sinks       SinkFactory
}

// Forwarder relays datagrams between a world-facing and a device-facing
// socket. All session state is confined to the Run loop; the read
// goroutines only move bytes into the event channel.
type Forwarder struct {
	world     net.PacketConn
	device    net.PacketConn
	params    ForwarderParams
	collector *metrics.RelayCollector

	events chan event
}

type event struct {
	dgram     Datagram
	fromWorld bool
}

func NewForwarder(world, device net.PacketConn, params ForwarderParams) *Forwarder {
	return &Forwarder{
		world:  world,
		device: device,
		params: params,
		events: make(chan event, 64),
	}
}

// SetCollector attaches an optional metrics collector.
func (f *Forwarder) SetCollector(c *metrics.RelayCollector) {
	f.collector = c
}

// Run multiplexes both sockets until ctx is cancelled or a socket dies.
// The active capture sink, if any, is closed before returning.
func (f *Forwarder) Run(ctx context.Context) error {
	readCtx, stopReads := context.WithCancel(ctx)
	defer stopReads()

	go f.readLoop(readCtx, f.world, true)
	go f.readLoop(readCtx, f.device, false)

	var session *Session
	// the most recent owner; device replies go here even after completion
	var lastOwner *net.UDPAddr

	defer func() {
		if session != nil {
			internal.Info("closing active session on shutdown", internal.Fields{
				internal.FieldSession: session.ID.String(),
			})
			if err := session.Close(); err != nil {
				internal.Error("failed to close capture sink", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.events:
			if ev.fromWorld {
				session = f.handleWorld(session, ev.dgram)
				if session != nil {
					lastOwner = session.Owner
				}
			} else {
				f.handleDevice(ev.dgram, session, lastOwner)
			}
		}
	}
}

// handleWorld runs a world-side datagram through the session machine, then
// forwards and acknowledges according to the admission verdict.
func (f *Forwarder) handleWorld(session *Session, d Datagram) *Session {
	wasBusy := session != nil

	next, adm, err := HandleDatagram(session, d, f.params.BusyTimeout, f.params.Sinks)
	if err != nil {
		// Sink trouble: the session was released, tell the sender no.
		internal.Error("session handling failed", internal.Fields{
			internal.FieldError: err.Error(),
			internal.FieldAddr:  d.Sender.String(),
		})
		f.respond(d.Sender, ruidawire.NackByte)
		return next
	}

	if f.collector != nil {
		if adm.Superseded {
			f.collector.ObserveSessionEnd(true)
		}
		if adm.Accepted && (!wasBusy || adm.Superseded) {
			f.collector.ObserveSessionStart()
		}
		if adm.EndOfStream {
			f.collector.ObserveSessionEnd(false)
		}
		f.collector.ObserveCapture(adm.Captured)
	}

	if !adm.Accepted {
		if f.collector != nil {
			f.collector.ObserveRejection()
		}
		f.respond(d.Sender, ruidawire.NackByte)
		return next
	}

	if adm.Superseded {
		f.forwardSyntheticEnd()
	}

	if ok, err := ruidawire.VerifyFrame(d.Payload); err == nil && !ok {
		// Forwarded anyway; the relay is transparent above admission.
		if f.collector != nil {
			f.collector.ObserveChecksumFailure()
		}
		internal.Debug("forwarding frame with bad checksum", internal.Fields{
			internal.FieldAddr: d.Sender.String(),
		})
	}

	if _, err := f.device.WriteTo(d.Payload, f.params.DeviceAddr); err != nil {
		// Do not tear the session down; the owner can retry and the
		// timeout supersession covers a dead link.
		internal.Warn("forward to device failed", internal.Fields{
			internal.FieldError: err.Error(),
			internal.FieldAddr:  f.params.DeviceAddr.String(),
		})
		return next
	}
	if f.collector != nil {
		f.collector.ObserveForward(len(d.Payload))
	}

	f.respond(d.Sender, ruidawire.AckByte)
	return next
}

// handleDevice relays device-side traffic back to the stream owner. The
// device is the downstream peer, not a competing sender, so its datagrams
// never contend for ownership and are not persisted.
func (f *Forwarder) handleDevice(d Datagram, session *Session, lastOwner *net.UDPAddr) {
	target := lastOwner
	if session != nil {
		target = session.Owner
	}
	if target == nil {
		internal.Debug("dropping device datagram with no known owner", internal.Fields{
			internal.FieldBytes: len(d.Payload),
		})
		return
	}
	if _, err := f.world.WriteTo(d.Payload, target); err != nil {
		internal.Warn("relay to owner failed", internal.Fields{
			internal.FieldError: err.Error(),
			internal.FieldAddr:  target.String(),
		})
		return
	}
	if f.collector != nil {
		f.collector.ObserveForward(len(d.Payload))
	}
}

// forwardSyntheticEnd emits a framed end token on behalf of a superseded
// session so the device also observes clean termination.
func (f *Forwarder) forwardSyntheticEnd() {
	frame := make([]byte, ruidawire.ChecksumLen+1)
	n, err := ruidawire.EncodeFrame(frame, []byte{ruidawire.EndToken})
	if err != nil {
		return
	}
	if _, err := f.device.WriteTo(frame[:n], f.params.DeviceAddr); err != nil {
		internal.Warn("synthetic end token send failed", internal.Fields{
			internal.FieldError: err.Error(),
		})
		return
	}
	internal.Info("synthetic end token forwarded for superseded session", nil)
}

func (f *Forwarder) respond(to *net.UDPAddr, b byte) {
	if _, err := f.world.WriteTo([]byte{b}, to); err != nil {
		internal.Warn("response byte send failed", internal.Fields{
			internal.FieldError: err.Error(),
			internal.FieldAddr:  to.String(),
		})
	}
}

// readLoop moves datagrams from one socket into the event channel until the
// context is cancelled or the socket errors out.
func (f *Forwarder) readLoop(ctx context.Context, pc net.PacketConn, fromWorld bool) {
	buf := make([]byte, 64*1024)
	for {
		_ = pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			select {
			case <-ctx.Done():
			default:
				internal.Error("socket read failed", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}
			return
		}

		sender, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		ev := event{
			dgram: Datagram{
				Payload: payload,
				Sender:  sender,
				Arrived: time.Now(),
			},
			fromWorld: fromWorld,
		}
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
