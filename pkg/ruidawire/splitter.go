package ruidawire

import (
	"fmt"
	"math"
)

// Chunk is one MTU-bounded slice of a job. Only the first chunk of a job is
// eligible for retry by the sender.
type Chunk struct {
	Offset  uint64
	Payload []byte
	First   bool
	Last    bool
}

// Splitter slices a job into ordered chunks no larger than the configured
// MTU. Production is lazy over a channel so a consumer can iterate once
// without buffering the whole output.
type Splitter struct {
	chunks  chan Chunk
	payload []byte
	MTU     int
}

func NewSplitter(payload []byte, mtu int) *Splitter {
	if mtu <= 0 {
		panic("mtu must be > 0")
	}
	totalChunkCount := (uint64(len(payload)) + uint64(mtu) - 1) / uint64(mtu) // ceil div

	// channel capacity must be an int; guard overflow on 32-bit systems
	if totalChunkCount > uint64(math.MaxInt) {
		panic(fmt.Sprintf("chunk count %d exceeds int capacity", totalChunkCount))
	}

	return &Splitter{
		chunks:  make(chan Chunk, int(totalChunkCount)),
		payload: payload,
		MTU:     mtu,
	}
}

// ChunkCount returns ceil(len/mtu); zero for an empty payload.
func ChunkCount(payloadLen, mtu int) int {
	if payloadLen <= 0 || mtu <= 0 {
		return 0
	}
	return (payloadLen + mtu - 1) / mtu
}

func (s *Splitter) MakeChunks() {
	defer close(s.chunks)

	size := len(s.payload)
	if size == 0 {
		// empty job: no chunks, never an empty datagram
		return
	}

	for offset := 0; offset < size; offset += s.MTU {
		end := offset + s.MTU
		if end > size {
			end = size
		}

		s.chunks <- Chunk{
			Offset:  uint64(offset),
			Payload: s.payload[offset:end],
			First:   offset == 0,
			Last:    end == size,
		}
	}
}

// NextChunk receives the next chunk from the channel.
// ok == false means the channel is closed.
func (s *Splitter) NextChunk() (Chunk, bool) {
	ch, ok := <-s.chunks
	return ch, ok
}

// Split runs the splitter to completion and returns all chunks. Convenience
// for callers that want the slice form.
func Split(payload []byte, mtu int) []Chunk {
	s := NewSplitter(payload, mtu)
	go s.MakeChunks()

	out := make([]Chunk, 0, ChunkCount(len(payload), mtu))
	for {
		c, ok := s.NextChunk()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}
