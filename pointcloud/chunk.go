// Package pointcloud defines batches of raw point samples and the filters
// applied to them before indexing.
//
// A Chunk is the unit of ingestion: parallel arrays of absolute positions
// plus optional per-point attributes. Chunks are value-like; filters return
// new chunks rather than mutating in place.
package pointcloud

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Chunk is a batch of raw samples: parallel arrays of positions and
// optional colors, normals, intensities and classifications.
type Chunk struct {
	Positions       []r3.Vector
	Colors          []color.NRGBA
	Normals         []r3.Vector
	Intensities     []int32
	Classifications []byte

	meta    MetaData
	metaSet bool
}

// NewChunk creates a chunk holding only positions.
func NewChunk(positions []r3.Vector) *Chunk {
	return &Chunk{Positions: positions}
}

// Len returns the number of samples in the chunk.
func (c *Chunk) Len() int {
	return len(c.Positions)
}

// Validate checks the chunk contract: optional arrays are absent or
// length-matched, and every position is finite.
func (c *Chunk) Validate() error {
	n := len(c.Positions)
	if c.Colors != nil && len(c.Colors) != n {
		return errors.Errorf("chunk has %d positions but %d colors", n, len(c.Colors))
	}
	if c.Normals != nil && len(c.Normals) != n {
		return errors.Errorf("chunk has %d positions but %d normals", n, len(c.Normals))
	}
	if c.Intensities != nil && len(c.Intensities) != n {
		return errors.Errorf("chunk has %d positions but %d intensities", n, len(c.Intensities))
	}
	if c.Classifications != nil && len(c.Classifications) != n {
		return errors.Errorf("chunk has %d positions but %d classifications", n, len(c.Classifications))
	}
	for i, p := range c.Positions {
		if math.IsNaN(p.X) || math.IsInf(p.X, 0) ||
			math.IsNaN(p.Y) || math.IsInf(p.Y, 0) ||
			math.IsNaN(p.Z) || math.IsInf(p.Z, 0) {
			return errors.Errorf("chunk position %d is not finite: %v", i, p)
		}
	}
	return nil
}

// MetaData returns the chunk metadata, computing and caching the bounding
// box on first use.
func (c *Chunk) MetaData() MetaData {
	if !c.metaSet {
		meta := NewMetaData()
		meta.HasColor = c.Colors != nil
		meta.HasNormal = c.Normals != nil
		meta.HasIntensity = c.Intensities != nil
		meta.HasClassification = c.Classifications != nil
		for _, p := range c.Positions {
			meta.Merge(p)
		}
		c.meta = meta
		c.metaSet = true
	}
	return c.meta
}

// Subset returns a new chunk holding the samples at the given indices,
// carrying along whichever optional attributes the chunk has.
func (c *Chunk) Subset(indices []int) *Chunk {
	out := &Chunk{Positions: make([]r3.Vector, 0, len(indices))}
	if c.Colors != nil {
		out.Colors = make([]color.NRGBA, 0, len(indices))
	}
	if c.Normals != nil {
		out.Normals = make([]r3.Vector, 0, len(indices))
	}
	if c.Intensities != nil {
		out.Intensities = make([]int32, 0, len(indices))
	}
	if c.Classifications != nil {
		out.Classifications = make([]byte, 0, len(indices))
	}
	for _, i := range indices {
		out.Positions = append(out.Positions, c.Positions[i])
		if c.Colors != nil {
			out.Colors = append(out.Colors, c.Colors[i])
		}
		if c.Normals != nil {
			out.Normals = append(out.Normals, c.Normals[i])
		}
		if c.Intensities != nil {
			out.Intensities = append(out.Intensities, c.Intensities[i])
		}
		if c.Classifications != nil {
			out.Classifications = append(out.Classifications, c.Classifications[i])
		}
	}
	return out
}

// Append returns a new chunk holding the samples of c followed by the
// samples of o. An optional attribute survives when either side carries it;
// the side lacking it is padded with zero values so arrays stay parallel.
func (c *Chunk) Append(o *Chunk) *Chunk {
	n := c.Len() + o.Len()
	out := &Chunk{Positions: make([]r3.Vector, 0, n)}
	out.Positions = append(out.Positions, c.Positions...)
	out.Positions = append(out.Positions, o.Positions...)

	if c.Colors != nil || o.Colors != nil {
		out.Colors = appendPadded(c.Colors, o.Colors, c.Len(), o.Len())
	}
	if c.Normals != nil || o.Normals != nil {
		out.Normals = appendPadded(c.Normals, o.Normals, c.Len(), o.Len())
	}
	if c.Intensities != nil || o.Intensities != nil {
		out.Intensities = appendPadded(c.Intensities, o.Intensities, c.Len(), o.Len())
	}
	if c.Classifications != nil || o.Classifications != nil {
		out.Classifications = appendPadded(c.Classifications, o.Classifications, c.Len(), o.Len())
	}
	return out
}

func appendPadded[T any](a, b []T, lenA, lenB int) []T {
	out := make([]T, 0, lenA+lenB)
	if a == nil {
		a = make([]T, lenA)
	}
	if b == nil {
		b = make([]T, lenB)
	}
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// Transform returns a new chunk with fn applied to every position. All
// other attributes are shared with the receiver.
func (c *Chunk) Transform(fn func(r3.Vector) r3.Vector) *Chunk {
	if fn == nil {
		return c
	}
	positions := make([]r3.Vector, len(c.Positions))
	for i, p := range c.Positions {
		positions[i] = fn(p)
	}
	return &Chunk{
		Positions:       positions,
		Colors:          c.Colors,
		Normals:         c.Normals,
		Intensities:     c.Intensities,
		Classifications: c.Classifications,
	}
}

// ContentHash returns a hex digest over the chunk contents, stable across
// processes. Two chunks with identical arrays hash identically.
func (c *Chunk) ContentHash() string {
	h := sha256.New()
	var scratch [8]byte
	writeUint := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		h.Write(scratch[:])
	}
	writeFloat := func(v float64) {
		writeUint(math.Float64bits(v))
	}
	writeUint(uint64(len(c.Positions)))
	for _, p := range c.Positions {
		writeFloat(p.X)
		writeFloat(p.Y)
		writeFloat(p.Z)
	}
	writeUint(uint64(len(c.Colors)))
	for _, col := range c.Colors {
		h.Write([]byte{col.R, col.G, col.B, col.A})
	}
	writeUint(uint64(len(c.Normals)))
	for _, nrm := range c.Normals {
		writeFloat(nrm.X)
		writeFloat(nrm.Y)
		writeFloat(nrm.Z)
	}
	writeUint(uint64(len(c.Intensities)))
	for _, v := range c.Intensities {
		writeUint(uint64(uint32(v)))
	}
	writeUint(uint64(len(c.Classifications)))
	h.Write(c.Classifications)
	return hex.EncodeToString(h.Sum(nil))
}
