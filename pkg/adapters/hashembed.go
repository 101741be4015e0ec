package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/octavolabs/octavo/pkg/fault"
)

// HashEmbedder derives vectors from SHA-256 of the input text: the
// digest seeds a counter-mode expansion mapped into [-1, 1). Useless for
// retrieval quality, ideal for tests: fully deterministic, so identical
// chunks always embed identically and idempotence is observable.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns an embedder of the given dimension (default
// 64).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{Dim: dim}
}

func (h *HashEmbedder) ID() string {
	return fmt.Sprintf("hash-embed-v1/%d", h.Dim)
}

func (h *HashEmbedder) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	out := make([][]float32, 0, len(batch))
	for _, text := range batch {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Cancelled, "hashembed.embed", err)
		}
		out = append(out, h.embedOne(text))
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, h.Dim)
	var counter [8]byte
	var block [32]byte
	copy(block[:], seed[:])
	for i := range vec {
		if i%4 == 0 && i > 0 {
			binary.BigEndian.PutUint64(counter[:], uint64(i/4))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		word := binary.BigEndian.Uint64(block[(i%4)*8 : (i%4)*8+8])
		vec[i] = float32(int64(word%2_000_000)-1_000_000) / 1_000_000
	}
	return vec
}
