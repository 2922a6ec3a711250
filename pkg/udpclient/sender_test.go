package udpclient

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sorphin/ruida-laser/pkg/ruidawire"
)

const silent = -1

// fakeDevice answers each received frame with the next scripted response
// byte; once the script runs out it keeps ACKing. A response of silent
// swallows the frame without replying.
type fakeDevice struct {
	pc     net.PacketConn
	script []int

	mu     sync.Mutex
	frames [][]byte
}

func startFakeDevice(t *testing.T, script []int) *fakeDevice {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen device: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	d := &fakeDevice{pc: pc, script: script}
	go d.run()
	return d
}

func (d *fakeDevice) run() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := d.pc.ReadFrom(buf)
		if err != nil {
			return
		}

		d.mu.Lock()
		d.frames = append(d.frames, append([]byte(nil), buf[:n]...))
		idx := len(d.frames) - 1
		d.mu.Unlock()

		resp := int(ruidawire.AckByte)
		if idx < len(d.script) {
			resp = d.script[idx]
		}
		if resp == silent {
			continue
		}
		_, _ = d.pc.WriteTo([]byte{byte(resp)}, addr)
	}
}

func (d *fakeDevice) receivedFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.frames))
	copy(out, d.frames)
	return out
}

func (d *fakeDevice) addr() *net.UDPAddr {
	return d.pc.LocalAddr().(*net.UDPAddr)
}

func newTestSender(t *testing.T, device *fakeDevice, mtu int) *Sender {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen sender: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	return NewSender(pc, SenderParams{
		RemoteAddr:      device.addr(),
		MTU:             mtu,
		AckTimeout:      200 * time.Millisecond,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 4 * time.Millisecond,
	})
}

func TestSenderWriteRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	device := startFakeDevice(t, nil)
	sender := newTestSender(t, device, 1470)

	job := make([]byte, 3000)
	for i := range job {
		job[i] = byte(i * 7)
	}

	if err := sender.Write(ctx, job); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frames := device.receivedFrames()
	if len(frames) != 3 {
		t.Fatalf("device received %d frames, want 3", len(frames))
	}
	wantSizes := []int{1472, 1472, 62} // payload plus two checksum bytes
	var rebuilt []byte
	for i, frame := range frames {
		if len(frame) != wantSizes[i] {
			t.Fatalf("frame %d is %d bytes, want %d", i, len(frame), wantSizes[i])
		}
		ok, err := ruidawire.VerifyFrame(frame)
		if err != nil || !ok {
			t.Fatalf("frame %d failed checksum: ok=%v err=%v", i, ok, err)
		}
		payload, _ := ruidawire.FramePayload(frame)
		rebuilt = append(rebuilt, payload...)
	}
	if !bytes.Equal(rebuilt, job) {
		t.Fatal("reassembled payload does not match job")
	}
}

func TestSenderFirstChunkRetriesOnNack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	nack := int(ruidawire.NackByte)
	device := startFakeDevice(t, []int{nack, nack, nack})
	sender := newTestSender(t, device, 16)

	job := make([]byte, 40) // 3 chunks at mtu 16

	if err := sender.Write(ctx, job); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frames := device.receivedFrames()
	// first chunk sent 4 times (3 NACKed attempts + ACKed one), then 2 more
	if len(frames) != 6 {
		t.Fatalf("device received %d frames, want 6", len(frames))
	}
	for i := 1; i < 4; i++ {
		if !bytes.Equal(frames[i], frames[0]) {
			t.Fatalf("retry %d resent different bytes", i)
		}
	}
}

func TestSenderNackOnLaterChunkIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	device := startFakeDevice(t, []int{int(ruidawire.AckByte), int(ruidawire.NackByte)})
	sender := newTestSender(t, device, 16)

	err := sender.Write(ctx, make([]byte, 40))
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("want ErrTransferRejected, got %v", err)
	}

	// the job died on chunk 2; chunk 3 must never have been sent
	if frames := device.receivedFrames(); len(frames) != 2 {
		t.Fatalf("device received %d frames, want 2", len(frames))
	}
}

func TestSenderSilentPeerStopsWithoutError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	device := startFakeDevice(t, []int{silent, int(ruidawire.AckByte)})
	sender := newTestSender(t, device, 16)

	// timeout on a chunk is a non-fatal end of that attempt
	if err := sender.Write(ctx, make([]byte, 20)); err != nil {
		t.Fatalf("Write after silent peer: %v", err)
	}
}

func TestSenderUnknownResponseStopsWithoutError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	device := startFakeDevice(t, []int{0x99})
	sender := newTestSender(t, device, 16)

	if err := sender.Write(ctx, make([]byte, 8)); err != nil {
		t.Fatalf("Write with unknown response: %v", err)
	}
}

func TestSenderEmptyJobSendsNothing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	device := startFakeDevice(t, nil)
	sender := newTestSender(t, device, 1470)

	if err := sender.Write(ctx, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if frames := device.receivedFrames(); len(frames) != 0 {
		t.Fatalf("empty job must not produce datagrams, device saw %d", len(frames))
	}
}
