package ruidawire

import "errors"

// Single-byte response alphabet and framing constants for the Ruida UDP
// protocol. A chunk on the wire is a two byte additive checksum followed by
// payload; the datagram length delimits the payload, there is no length field.
const (
	AckByte  byte = 0xc6
	NackByte byte = 0x46
	EndToken byte = 0xd7

	ChecksumLen = 2
	DefaultMTU  = 1470
)

var ErrFrameTooShort = errors.New("frame shorter than checksum prefix")

// Checksum sums all payload bytes, truncated to 16 bits, high byte first.
func Checksum(payload []byte) [ChecksumLen]byte {
	var sum uint16
	for _, b := range payload {
		sum += uint16(b)
	}
	return [ChecksumLen]byte{byte(sum >> 8), byte(sum)}
}

// EncodeFrame writes checksum+payload into dst and returns the frame length.
func EncodeFrame(dst, payload []byte) (int, error) {
	need := ChecksumLen + len(payload)
	if len(dst) < need {
		return 0, errors.New("buffer too small")
	}
	cs := Checksum(payload)
	dst[0] = cs[0]
	dst[1] = cs[1]
	copy(dst[ChecksumLen:], payload)
	return need, nil
}

// VerifyFrame recomputes the checksum over the payload portion of frame and
// compares it to the prefix.
func VerifyFrame(frame []byte) (bool, error) {
	if len(frame) < ChecksumLen {
		return false, ErrFrameTooShort
	}
	cs := Checksum(frame[ChecksumLen:])
	return frame[0] == cs[0] && frame[1] == cs[1], nil
}

// FramePayload returns the payload portion of a frame.
func FramePayload(frame []byte) ([]byte, error) {
	if len(frame) < ChecksumLen {
		return nil, ErrFrameTooShort
	}
	return frame[ChecksumLen:], nil
}

// ContainsEndToken reports whether the end-of-job marker occurs anywhere in
// the payload. The marker is not position anchored.
func ContainsEndToken(payload []byte) bool {
	for _, b := range payload {
		if b == EndToken {
			return true
		}
	}
	return false
}
