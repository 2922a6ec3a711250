package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace = "ruida"
	subsystemRelay   = "relay"
)

// RelayCollector keeps track of relay and sender side statistics and exposes
// them via Prometheus compatible collectors.
type RelayCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime time.Time

	sessionsStarted    uint64
	sessionsCompleted  uint64
	sessionsSuperseded uint64
	rejectedDatagrams  uint64
	forwardedDatagrams uint64
	forwardedBytes     uint64
	capturedBytes      uint64
	checksumFailures   uint64

	chunksSent        uint64
	chunksAcked       uint64
	firstChunkRetries uint64
	transferFailures  uint64

	busy bool
}

// RelaySnapshot represents a point-in-time view of the collected metrics.
type RelaySnapshot struct {
	Elapsed            time.Duration
	SessionsStarted    uint64
	SessionsCompleted  uint64
	SessionsSuperseded uint64
	RejectedDatagrams  uint64
	ForwardedDatagrams uint64
	ForwardedBytes     uint64
	CapturedBytes      uint64
	ChecksumFailures   uint64
	ChunksSent         uint64
	ChunksAcked        uint64
	FirstChunkRetries  uint64
	TransferFailures   uint64
	ForwardBps         float64
	Busy               bool
}

// NewRelayCollector creates a collector and wires up prometheus collectors.
func NewRelayCollector(namespace string) *RelayCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	rc := &RelayCollector{
		namespace: namespace,
		registry:  reg,
	}
	rc.registerMetrics()
	return rc
}

// Registry returns the prometheus registry managed by this collector.
func (c *RelayCollector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *RelayCollector) ObserveSessionStart() {
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.sessionsStarted++
	c.busy = true
	c.mu.Unlock()
}

func (c *RelayCollector) ObserveSessionEnd(superseded bool) {
	c.mu.Lock()
	if superseded {
		c.sessionsSuperseded++
	} else {
		c.sessionsCompleted++
	}
	c.busy = false
	c.mu.Unlock()
}

func (c *RelayCollector) ObserveRejection() {
	c.mu.Lock()
	c.rejectedDatagrams++
	c.mu.Unlock()
}

// ObserveForward records a datagram relayed to the opposite socket.
func (c *RelayCollector) ObserveForward(bytes int) {
	if bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.forwardedDatagrams++
	c.forwardedBytes += uint64(bytes)
}

// ObserveCapture records bytes persisted to the capture sink.
func (c *RelayCollector) ObserveCapture(bytes int) {
	if bytes <= 0 {
		return
	}
	c.mu.Lock()
	c.capturedBytes += uint64(bytes)
	c.mu.Unlock()
}

func (c *RelayCollector) ObserveChecksumFailure() {
	c.mu.Lock()
	c.checksumFailures++
	c.mu.Unlock()
}

// ObserveChunkSend records a chunk transmission by the sender role. When
// retry is true the send is a first-chunk retransmission.
func (c *RelayCollector) ObserveChunkSend(retry bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.chunksSent++
	if retry {
		c.firstChunkRetries++
	}
}

func (c *RelayCollector) ObserveChunkAck() {
	c.mu.Lock()
	c.chunksAcked++
	c.mu.Unlock()
}

func (c *RelayCollector) ObserveTransferFailure() {
	c.mu.Lock()
	c.transferFailures++
	c.mu.Unlock()
}

// Snapshot creates a read-only view of the collected metrics.
func (c *RelayCollector) Snapshot() RelaySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *RelayCollector) buildSnapshotLocked(now time.Time) RelaySnapshot {
	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}

	return RelaySnapshot{
		Elapsed:            elapsed,
		SessionsStarted:    c.sessionsStarted,
		SessionsCompleted:  c.sessionsCompleted,
		SessionsSuperseded: c.sessionsSuperseded,
		RejectedDatagrams:  c.rejectedDatagrams,
		ForwardedDatagrams: c.forwardedDatagrams,
		ForwardedBytes:     c.forwardedBytes,
		CapturedBytes:      c.capturedBytes,
		ChecksumFailures:   c.checksumFailures,
		ChunksSent:         c.chunksSent,
		ChunksAcked:        c.chunksAcked,
		FirstChunkRetries:  c.firstChunkRetries,
		TransferFailures:   c.transferFailures,
		ForwardBps:         rateFromBytes(c.forwardedBytes, elapsed),
		Busy:               c.busy,
	}
}

func (c *RelayCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(RelaySnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemRelay,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(name, help string, valueFn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemRelay,
			Name:      name,
			Help:      help,
		}, valueFn)
	}

	counter := func(name, help string, field *uint64) {
		c.registry.MustRegister(makeCounter(name, help, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(*field)
		}))
	}

	c.registry.MustRegister(makeGauge(
		"forward_bytes_per_second",
		"Observed forwarding throughput.",
		func(s RelaySnapshot) float64 { return s.ForwardBps },
	))
	c.registry.MustRegister(makeGauge(
		"stream_busy",
		"Whether a stream session currently owns the relay (1) or it is idle (0).",
		func(s RelaySnapshot) float64 {
			if s.Busy {
				return 1
			}
			return 0
		},
	))

	counter("sessions_started_total", "Stream sessions opened by an accepted first datagram.", &c.sessionsStarted)
	counter("sessions_completed_total", "Stream sessions ended by an end token.", &c.sessionsCompleted)
	counter("sessions_superseded_total", "Stale stream sessions forcibly replaced after the busy timeout.", &c.sessionsSuperseded)
	counter("rejected_datagrams_total", "Datagrams NACKed because another sender owned the stream.", &c.rejectedDatagrams)
	counter("forwarded_datagrams_total", "Datagrams relayed to the opposite socket.", &c.forwardedDatagrams)
	counter("forwarded_bytes_total", "Bytes relayed to the opposite socket.", &c.forwardedBytes)
	counter("captured_bytes_total", "Bytes persisted to capture sinks.", &c.capturedBytes)
	counter("checksum_failures_total", "Forwarded frames whose checksum prefix did not match.", &c.checksumFailures)
	counter("chunks_sent_total", "Chunks transmitted by the sender role.", &c.chunksSent)
	counter("chunks_acked_total", "Chunks acknowledged by the device.", &c.chunksAcked)
	counter("first_chunk_retries_total", "First-chunk retransmissions after a NACK.", &c.firstChunkRetries)
	counter("transfer_failures_total", "Jobs aborted by a NACK on a non-first chunk.", &c.transferFailures)
}

func (c *RelayCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
