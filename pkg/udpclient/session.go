package udpclient

import (
	"net"
	"time"
)

// SenderParams configures one job transmission. Zero values fall back to the
// protocol defaults in sender.go.
type SenderParams struct {
	RemoteAddr      *net.UDPAddr
	MTU             int
	AckTimeout      time.Duration
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	ChunkPause      time.Duration
}
