package kdtree

import (
	"encoding/binary"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Marshal serializes the tree layout: a length-prefixed permutation
// followed by the per-slot split axes. Positions are not included; the
// layout is regenerable from them with Build in case of loss.
func (t *Tree) Marshal() []byte {
	out := make([]byte, 4+4*len(t.perm)+len(t.axes))
	binary.LittleEndian.PutUint32(out, uint32(len(t.perm)))
	off := 4
	for _, p := range t.perm {
		binary.LittleEndian.PutUint32(out[off:], uint32(p))
		off += 4
	}
	copy(out[off:], t.axes)
	return out
}

// Unmarshal reconstructs a tree from its serialized layout over the given
// positions, which must be the same array the layout was built from.
func Unmarshal(data []byte, points []r3.Vector) (*Tree, error) {
	if len(data) < 4 {
		return nil, errors.New("kd-tree blob too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if count != len(points) {
		return nil, errors.Errorf("kd-tree blob indexes %d points, got %d", count, len(points))
	}
	if len(data) != 4+5*count {
		return nil, errors.Errorf("kd-tree blob has %d bytes, want %d", len(data), 4+5*count)
	}
	t := &Tree{
		points: points,
		perm:   make([]int32, count),
		axes:   make([]uint8, count),
	}
	off := 4
	for i := 0; i < count; i++ {
		p := binary.LittleEndian.Uint32(data[off:])
		if int(p) >= count {
			return nil, errors.Errorf("kd-tree blob permutation entry %d out of range", p)
		}
		t.perm[i] = int32(p)
		off += 4
	}
	copy(t.axes, data[off:])
	return t, nil
}
