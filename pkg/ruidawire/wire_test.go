package ruidawire

import (
	"bytes"
	"testing"
)

func TestChecksumKnownValues(t *testing.T) {
	cs := Checksum([]byte{0x01, 0x02, 0x03})
	if cs != [2]byte{0x00, 0x06} {
		t.Errorf("unexpected checksum %v", cs)
	}

	// sum overflowing one byte carries into the high byte
	cs = Checksum(bytes.Repeat([]byte{0xff}, 4))
	if cs != [2]byte{0x03, 0xfc} {
		t.Errorf("unexpected checksum %v", cs)
	}

	if Checksum(nil) != [2]byte{0, 0} {
		t.Error("empty payload should sum to zero")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0xd7},
		[]byte("hello laser"),
		bytes.Repeat([]byte{0xab}, 1470),
	}

	for _, p := range payloads {
		frame := make([]byte, ChecksumLen+len(p))
		n, err := EncodeFrame(frame, p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if n != ChecksumLen+len(p) {
			t.Fatalf("wrong frame length %d", n)
		}
		ok, err := VerifyFrame(frame[:n])
		if err != nil || !ok {
			t.Fatalf("round trip failed for %d byte payload: ok=%v err=%v", len(p), ok, err)
		}
	}
}

func TestVerifyFrameDetectsMutation(t *testing.T) {
	payload := []byte("some job bytes with structure")
	frame := make([]byte, ChecksumLen+len(payload))
	n, err := EncodeFrame(frame, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for i := ChecksumLen; i < n; i++ {
		mutated := append([]byte(nil), frame[:n]...)
		mutated[i] ^= 0x01
		ok, err := VerifyFrame(mutated)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if ok {
			t.Fatalf("mutation at byte %d went undetected", i)
		}
	}
}

func TestVerifyFrameTooShort(t *testing.T) {
	if _, err := VerifyFrame([]byte{0x01}); err == nil {
		t.Error("expected error for one byte frame")
	}
	// a bare checksum with no payload is a valid empty frame
	ok, err := VerifyFrame([]byte{0x00, 0x00})
	if err != nil || !ok {
		t.Errorf("empty frame should verify: ok=%v err=%v", ok, err)
	}
}

func TestContainsEndToken(t *testing.T) {
	if ContainsEndToken([]byte{0x01, 0x02, 0x03}) {
		t.Error("false positive")
	}
	if !ContainsEndToken([]byte{EndToken}) {
		t.Error("missed lone token")
	}
	if !ContainsEndToken([]byte{0x01, EndToken, 0x02}) {
		t.Error("token match must not be position anchored")
	}
	if !ContainsEndToken(append(bytes.Repeat([]byte{0x00}, 100), EndToken)) {
		t.Error("missed trailing token")
	}
	if ContainsEndToken(nil) {
		t.Error("empty payload has no token")
	}
}
