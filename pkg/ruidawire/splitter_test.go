package ruidawire

import (
	"bytes"
	"testing"
)

func TestSplitterChunkCount(t *testing.T) {
	payload := make([]byte, 1000)
	splitter := NewSplitter(payload, 1000)

	splitter.MakeChunks()
	if len(splitter.chunks) != 1 {
		t.Error("wrong number of chunks")
	}
}

func TestSplitCoverage(t *testing.T) {
	cases := []struct {
		name   string
		size   int
		mtu    int
		chunks int
	}{
		{"single partial", 60, 1470, 1},
		{"three chunks", 3000, 1470, 3},
		{"exact multiple", 2940, 1470, 2},
		{"mtu one", 5, 1, 5},
		{"one byte", 1, 1470, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := make([]byte, tc.size)
			for i := range payload {
				payload[i] = byte(i)
			}

			chunks := Split(payload, tc.mtu)
			if len(chunks) != tc.chunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tc.chunks)
			}
			if got := ChunkCount(tc.size, tc.mtu); got != tc.chunks {
				t.Fatalf("ChunkCount = %d, want %d", got, tc.chunks)
			}

			var rebuilt []byte
			for i, c := range chunks {
				if len(c.Payload) == 0 {
					t.Fatal("splitter produced an empty chunk")
				}
				if len(c.Payload) > tc.mtu {
					t.Fatalf("chunk %d exceeds mtu: %d", i, len(c.Payload))
				}
				if c.First != (i == 0) {
					t.Fatalf("chunk %d First flag wrong", i)
				}
				if c.Last != (i == len(chunks)-1) {
					t.Fatalf("chunk %d Last flag wrong", i)
				}
				if int(c.Offset) != len(rebuilt) {
					t.Fatalf("chunk %d offset %d, want %d", i, c.Offset, len(rebuilt))
				}
				rebuilt = append(rebuilt, c.Payload...)
			}
			if !bytes.Equal(rebuilt, payload) {
				t.Fatal("concatenated chunks do not reproduce the payload")
			}
		})
	}
}

func TestSplitEmptyPayload(t *testing.T) {
	if chunks := Split(nil, 1470); len(chunks) != 0 {
		t.Fatalf("empty payload must produce zero chunks, got %d", len(chunks))
	}
}

func TestSplitExactMultipleHasNoEmptyTrailer(t *testing.T) {
	chunks := Split(make([]byte, 2*1470), 1470)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[1].Payload) != 1470 {
		t.Fatalf("final chunk is %d bytes, want full 1470", len(chunks[1].Payload))
	}
	if !chunks[1].Last {
		t.Fatal("final full-size chunk must be marked last")
	}
}
