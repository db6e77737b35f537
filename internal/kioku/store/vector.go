package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	vectorBlobHeaderSize = 4
	vectorValueByteSize  = 4
)

// EncodeVector encodes an embedding into a binary blob for storage.
// Format: [4-byte little-endian dimension][N x 4-byte little-endian float32].
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	blob := make([]byte, vectorBlobHeaderSize+len(vector)*vectorValueByteSize)
	binary.LittleEndian.PutUint32(blob[:vectorBlobHeaderSize], uint32(len(vector)))

	offset := vectorBlobHeaderSize
	for i, value := range vector {
		if !isFinite(float64(value)) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[offset:offset+vectorValueByteSize], math.Float32bits(value))
		offset += vectorValueByteSize
	}
	return blob, nil
}

// DecodeVector decodes a blob created by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorBlobHeaderSize {
		return nil, fmt.Errorf("decode vector: invalid blob length: %d", len(blob))
	}

	dim := int(binary.LittleEndian.Uint32(blob[:vectorBlobHeaderSize]))
	if dim <= 0 {
		return nil, fmt.Errorf("decode vector: invalid dimension: %d", dim)
	}
	if want := vectorBlobHeaderSize + dim*vectorValueByteSize; len(blob) != want {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, len(blob)-vectorBlobHeaderSize)
	}

	vector := make([]float32, dim)
	offset := vectorBlobHeaderSize
	for i := range vector {
		value := math.Float32frombits(binary.LittleEndian.Uint32(blob[offset : offset+vectorValueByteSize]))
		if !isFinite(float64(value)) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		vector[i] = value
		offset += vectorValueByteSize
	}
	return vector, nil
}

// CosineSimilarity computes cosine similarity of two embeddings in [-1, 1].
// A zero-norm or mismatched input yields 0 rather than an error so callers
// can score candidate pools without per-row error handling.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
