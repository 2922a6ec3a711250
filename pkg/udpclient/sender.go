package udpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sorphin/ruida-laser/internal"
	"github.com/sorphin/ruida-laser/pkg/metrics"
	"github.com/sorphin/ruida-laser/pkg/ruidawire"
)

const (
	defaultAckTimeout      = 3000 * time.Millisecond
	defaultRetryBackoff    = 200 * time.Millisecond
	defaultRetryBackoffMax = 5000 * time.Millisecond
)

// ErrTransferRejected is returned when the device NACKs a chunk that is not
// eligible for retry. The job is dead at that point.
var ErrTransferRejected = errors.New("transfer rejected by device")

// Sender drives one outbound chunk at a time over a connectionless socket.
// The loop is strictly sequential per job: chunk N+1 is never sent before
// chunk N was acknowledged.
type Sender struct {
	pc        net.PacketConn
	params    SenderParams
	collector *metrics.RelayCollector
}

func NewSender(pc net.PacketConn, params SenderParams) *Sender {
	return &Sender{
		pc:     pc,
		params: params,
	}
}

// SetCollector attaches an optional metrics collector.
func (s *Sender) SetCollector(c *metrics.RelayCollector) {
	s.collector = c
}

// Write transmits one whole job. The socket is exclusively owned by this
// call for its duration; no concurrent job may share it.
func (s *Sender) Write(ctx context.Context, job []byte) error {
	if s.params.RemoteAddr == nil {
		return errors.New("remote addr required")
	}

	mtu := s.params.MTU
	if mtu <= 0 {
		mtu = ruidawire.DefaultMTU
	}

	splitter := ruidawire.NewSplitter(job, mtu)
	go splitter.MakeChunks()

	frame := make([]byte, ruidawire.ChecksumLen+mtu)
	for {
		chunk, ok := splitter.NextChunk()
		if !ok {
			return nil
		}

		if s.params.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.params.ChunkPause):
			}
		}

		n, err := ruidawire.EncodeFrame(frame, chunk.Payload)
		if err != nil {
			return fmt.Errorf("encode chunk at offset %d: %w", chunk.Offset, err)
		}
		if err := s.sendFrame(ctx, frame[:n], chunk.First); err != nil {
			return fmt.Errorf("chunk at offset %d: %w", chunk.Offset, err)
		}
	}
}

// sendFrame delivers one frame and interprets the single-byte response.
// Only the first chunk of a job is retried on NACK; successful delivery of
// the first chunk is what establishes that the device is ready.
func (s *Sender) sendFrame(ctx context.Context, frame []byte, retryable bool) error {
	ackTimeout := s.params.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	backoff := s.params.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	backoffMax := s.params.RetryBackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultRetryBackoffMax
	}

	retry := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := s.pc.WriteTo(frame, s.params.RemoteAddr); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		if s.collector != nil {
			s.collector.ObserveChunkSend(retry)
		}

		resp, n, err := s.awaitResponse(ackTimeout)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				internal.Warn("no response before deadline, giving up on this chunk", internal.Fields{
					internal.FieldAddr: s.params.RemoteAddr.String(),
				})
				return nil
			}
			return fmt.Errorf("await response: %w", err)
		}
		if n == 0 {
			internal.Debug("received empty response", nil)
			return nil
		}

		switch resp {
		case ruidawire.AckByte:
			internal.Debug("chunk acknowledged", internal.Fields{
				internal.FieldBytes: len(frame),
			})
			if s.collector != nil {
				s.collector.ObserveChunkAck()
			}
			return nil
		case ruidawire.NackByte:
			if !retryable {
				if s.collector != nil {
					s.collector.ObserveTransferFailure()
				}
				return ErrTransferRejected
			}
			internal.Info("first chunk refused, retrying", internal.Fields{
				"backoff": backoff.String(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			// truncated binary backoff
			if backoff < backoffMax {
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
			}
			retry = true
		default:
			internal.Warn("unknown response byte", internal.Fields{
				internal.FieldMsg: fmt.Sprintf("%02x", resp),
			})
			return nil
		}
	}
}

// awaitResponse blocks for a single-byte reply from the device, discarding
// datagrams from anyone else, until the deadline.
func (s *Sender) awaitResponse(timeout time.Duration) (byte, int, error) {
	buf := make([]byte, 8)
	deadline := time.Now().Add(timeout)
	for {
		_ = s.pc.SetReadDeadline(deadline)
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return 0, 0, err
		}
		if !matchAddr(addr, s.params.RemoteAddr) {
			continue
		}
		if n == 0 {
			return 0, 0, nil
		}
		return buf[0], n, nil
	}
}

func matchAddr(addr net.Addr, target *net.UDPAddr) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok || target == nil {
		return false
	}
	if !udpAddr.IP.Equal(target.IP) {
		return false
	}
	return udpAddr.Port == target.Port
}
