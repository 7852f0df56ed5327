package octree

import (
	"encoding/binary"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// AttributeName names one per-node attribute array. The set is closed;
// codecs are chosen by name on read.
type AttributeName string

// The attribute enumeration. Positions are cell-relative float32 triples;
// the Lod variants carry the level-of-detail sample an inner node keeps of
// its subtree.
const (
	AttrPositions          AttributeName = "Positions"
	AttrColors             AttributeName = "Colors"
	AttrNormals            AttributeName = "Normals"
	AttrIntensities        AttributeName = "Intensities"
	AttrClassifications    AttributeName = "Classifications"
	AttrKdTree             AttributeName = "KdTree"
	AttrLodPositions       AttributeName = "LodPositions"
	AttrLodColors          AttributeName = "LodColors"
	AttrLodNormals         AttributeName = "LodNormals"
	AttrLodIntensities     AttributeName = "LodIntensities"
	AttrLodClassifications AttributeName = "LodClassifications"
	AttrLodKdTree          AttributeName = "LodKdTree"
)

// attributeNames lists every legal attribute for codec validation.
var attributeNames = map[AttributeName]struct{}{
	AttrPositions: {}, AttrColors: {}, AttrNormals: {}, AttrIntensities: {},
	AttrClassifications: {}, AttrKdTree: {}, AttrLodPositions: {},
	AttrLodColors: {}, AttrLodNormals: {}, AttrLodIntensities: {},
	AttrLodClassifications: {}, AttrLodKdTree: {},
}

// Attribute payloads are length-prefixed little-endian records.

func encodeVectors32(vs []r3.Vector) []byte {
	out := make([]byte, 4+12*len(vs))
	binary.LittleEndian.PutUint32(out, uint32(len(vs)))
	off := 4
	for _, v := range vs {
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(float32(v.X)))
		binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(float32(v.Y)))
		binary.LittleEndian.PutUint32(out[off+8:], math.Float32bits(float32(v.Z)))
		off += 12
	}
	return out
}

func decodeVectors32(data []byte) ([]r3.Vector, error) {
	if len(data) < 4 {
		return nil, errors.New("vector blob too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+12*count {
		return nil, errors.Errorf("vector blob has %d bytes, want %d", len(data), 4+12*count)
	}
	out := make([]r3.Vector, count)
	off := 4
	for i := range out {
		out[i] = r3.Vector{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off+8:]))),
		}
		off += 12
	}
	return out, nil
}

func encodeColors(cs []color.NRGBA) []byte {
	out := make([]byte, 4+4*len(cs))
	binary.LittleEndian.PutUint32(out, uint32(len(cs)))
	off := 4
	for _, c := range cs {
		out[off], out[off+1], out[off+2], out[off+3] = c.R, c.G, c.B, c.A
		off += 4
	}
	return out
}

func decodeColors(data []byte) ([]color.NRGBA, error) {
	if len(data) < 4 {
		return nil, errors.New("color blob too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+4*count {
		return nil, errors.Errorf("color blob has %d bytes, want %d", len(data), 4+4*count)
	}
	out := make([]color.NRGBA, count)
	off := 4
	for i := range out {
		out[i] = color.NRGBA{R: data[off], G: data[off+1], B: data[off+2], A: data[off+3]}
		off += 4
	}
	return out, nil
}

func encodeInt32s(vs []int32) []byte {
	out := make([]byte, 4+4*len(vs))
	binary.LittleEndian.PutUint32(out, uint32(len(vs)))
	off := 4
	for _, v := range vs {
		binary.LittleEndian.PutUint32(out[off:], uint32(v))
		off += 4
	}
	return out
}

func decodeInt32s(data []byte) ([]int32, error) {
	if len(data) < 4 {
		return nil, errors.New("int32 blob too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+4*count {
		return nil, errors.Errorf("int32 blob has %d bytes, want %d", len(data), 4+4*count)
	}
	out := make([]int32, count)
	off := 4
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}
	return out, nil
}

func encodeBytes(vs []byte) []byte {
	out := make([]byte, 4+len(vs))
	binary.LittleEndian.PutUint32(out, uint32(len(vs)))
	copy(out[4:], vs)
	return out
}

func decodeBytes(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("byte blob too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+count {
		return nil, errors.Errorf("byte blob has %d bytes, want %d", len(data), 4+count)
	}
	out := make([]byte, count)
	copy(out, data[4:])
	return out, nil
}
