package octree

import (
	"context"
	"encoding/json"
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/pointtree/pointcloud"
	"go.viam.com/pointtree/storage"
)

// Node blob discriminants.
const (
	nodeTypePointCloud = "PointCloudNode"
	nodeTypeLinked     = "LinkedNode"
)

// maxLinkHops bounds linked-node forwarding chains so a corrupt store
// cannot send the loader in circles.
const maxLinkHops = 32

// NodeStore reads and writes node records and their attribute blobs
// through a blob store, sharing one weak cache for decoded values.
type NodeStore struct {
	store storage.Store
	cache *storage.Cache
}

// NewNodeStore wraps a blob store.
func NewNodeStore(s storage.Store) *NodeStore {
	return &NodeStore{store: s, cache: storage.NewCache()}
}

// Store returns the underlying blob store.
func (ns *NodeStore) Store() storage.Store {
	return ns.store
}

type cellRecord struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
	Z int64 `json:"z"`
	E int32 `json:"e"`
}

type boxRecord struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

type nodeRecord struct {
	NodeType         string                   `json:"NodeType"`
	Id               string                   `json:"Id"`
	Cell             cellRecord               `json:"Cell"`
	BoundingBoxExact *boxRecord               `json:"BoundingBoxExact,omitempty"`
	PointCountTree   int64                    `json:"PointCountTree,omitempty"`
	Subnodes         *[8]*string              `json:"Subnodes,omitempty"`
	Attributes       map[AttributeName]string `json:"Attributes,omitempty"`
	TargetId         string                   `json:"TargetId,omitempty"`
}

func (ns *NodeStore) encodeNode(n *Node) ([]byte, error) {
	rec := nodeRecord{
		NodeType:       nodeTypePointCloud,
		Id:             n.id.String(),
		Cell:           cellRecord{X: n.cell.X, Y: n.cell.Y, Z: n.cell.Z, E: n.cell.E},
		PointCountTree: n.pointCountTree,
	}
	if !n.bounds.IsEmpty() {
		rec.BoundingBoxExact = &boxRecord{
			Min: [3]float64{n.bounds.Min.X, n.bounds.Min.Y, n.bounds.Min.Z},
			Max: [3]float64{n.bounds.Max.X, n.bounds.Max.Y, n.bounds.Max.Z},
		}
	}
	if !n.IsLeaf() {
		var subnodes [8]*string
		for i, ref := range n.subnodes {
			if ref != nil {
				id := ref.ID()
				subnodes[i] = &id
			}
		}
		rec.Subnodes = &subnodes
	}
	if len(n.attrs) > 0 {
		rec.Attributes = n.attrs
	}
	for name := range n.attrs {
		if _, ok := attributeNames[name]; !ok {
			return nil, errors.Errorf("node %s carries unknown attribute %q", n.ID(), name)
		}
	}
	return json.Marshal(rec)
}

func (ns *NodeStore) decodeNode(data []byte) (*Node, string, error) {
	var rec nodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, "", errors.Wrap(err, "decoding node record")
	}
	if rec.NodeType == nodeTypeLinked {
		if rec.TargetId == "" {
			return nil, "", errors.Errorf("linked node %s has no target", rec.Id)
		}
		return nil, rec.TargetId, nil
	}
	if rec.NodeType != nodeTypePointCloud {
		return nil, "", errors.Errorf("unknown node type %q", rec.NodeType)
	}
	id, err := uuid.Parse(rec.Id)
	if err != nil {
		return nil, "", errors.Wrapf(err, "node id %q", rec.Id)
	}
	n := &Node{
		id:             id,
		cell:           Cell{X: rec.Cell.X, Y: rec.Cell.Y, Z: rec.Cell.Z, E: rec.Cell.E},
		bounds:         pointcloud.EmptyBox(),
		pointCountTree: rec.PointCountTree,
		ns:             ns,
	}
	if rec.BoundingBoxExact != nil {
		n.bounds = pointcloud.NewBox(
			r3.Vector{X: rec.BoundingBoxExact.Min[0], Y: rec.BoundingBoxExact.Min[1], Z: rec.BoundingBoxExact.Min[2]},
			r3.Vector{X: rec.BoundingBoxExact.Max[0], Y: rec.BoundingBoxExact.Max[1], Z: rec.BoundingBoxExact.Max[2]},
		)
	}
	if rec.Subnodes != nil {
		for i, sub := range rec.Subnodes {
			if sub != nil {
				n.subnodes[i] = ns.NodeRef(*sub)
			}
		}
	}
	if len(rec.Attributes) > 0 {
		n.attrs = make(map[AttributeName]string, len(rec.Attributes))
		for name, key := range rec.Attributes {
			if _, ok := attributeNames[name]; !ok {
				return nil, "", errors.Errorf("node %s carries unknown attribute %q", rec.Id, name)
			}
			n.attrs[name] = key
		}
	}
	return n, "", nil
}

// LoadNode reads the node stored under id, transparently following
// linked-node forwards.
func (ns *NodeStore) LoadNode(ctx context.Context, id string) (*Node, error) {
	key := id
	for hop := 0; hop < maxLinkHops; hop++ {
		if cached, ok := storage.CacheGet[Node](ns.cache, key); ok {
			return cached, nil
		}
		data, err := ns.store.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "loading node %q", key)
		}
		n, target, err := ns.decodeNode(data)
		if err != nil {
			return nil, err
		}
		if n != nil {
			storage.CachePut(ns.cache, key, n)
			return n, nil
		}
		key = target
	}
	return nil, errors.Errorf("node %q forwards through more than %d links", id, maxLinkHops)
}

// NodeRef returns a lazy reference to the node stored under id.
func (ns *NodeStore) NodeRef(id string) *storage.Ref[Node] {
	return storage.NewRef(id, ns.LoadNode)
}

// SaveNode writes a freshly built node record. Node records are written
// post-order by the builder, so any id reachable from a stored node
// resolves.
func (ns *NodeStore) SaveNode(ctx context.Context, n *Node) error {
	data, err := ns.encodeNode(n)
	if err != nil {
		return err
	}
	if err := ns.store.Put(ctx, n.ID(), data); err != nil {
		return errors.Wrapf(err, "saving node %s", n.ID())
	}
	storage.CachePut(ns.cache, n.ID(), n)
	return nil
}

// ReplaceNode republishes a node under its existing id with a superset of
// attributes, the one admitted mutation (used by the LoD and normal
// passes).
func (ns *NodeStore) ReplaceNode(ctx context.Context, n *Node) error {
	data, err := ns.encodeNode(n)
	if err != nil {
		return err
	}
	if err := ns.store.Replace(ctx, n.ID(), data); err != nil {
		return errors.Wrapf(err, "replacing node %s", n.ID())
	}
	storage.CachePut(ns.cache, n.ID(), n)
	return nil
}

// WriteLink writes a linked node: a forwarding record that makes target's
// subtree reachable under a fresh id.
func (ns *NodeStore) WriteLink(ctx context.Context, cell Cell, targetId string) (string, error) {
	id := uuid.New().String()
	rec := nodeRecord{
		NodeType: nodeTypeLinked,
		Id:       id,
		Cell:     cellRecord{X: cell.X, Y: cell.Y, Z: cell.Z, E: cell.E},
		TargetId: targetId,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encoding linked node")
	}
	if err := ns.store.Put(ctx, id, data); err != nil {
		return "", errors.Wrapf(err, "saving linked node %s", id)
	}
	return id, nil
}

// putAttr writes an attribute payload under a fresh key and records it in
// attrs.
func (ns *NodeStore) putAttr(ctx context.Context, attrs map[AttributeName]string, name AttributeName, payload []byte) error {
	key := uuid.New().String()
	if err := ns.store.Put(ctx, key, payload); err != nil {
		return errors.Wrapf(err, "writing %s blob", name)
	}
	attrs[name] = key
	return nil
}

func (ns *NodeStore) loadVectors(ctx context.Context, attrs map[AttributeName]string, name AttributeName) ([]r3.Vector, error) {
	key, ok := attrs[name]
	if !ok {
		return nil, nil
	}
	if cached, ok := storage.CacheGet[[]r3.Vector](ns.cache, key); ok {
		return *cached, nil
	}
	data, err := ns.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s blob %q", name, key)
	}
	vs, err := decodeVectors32(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s blob %q", name, key)
	}
	storage.CachePut(ns.cache, key, &vs)
	return vs, nil
}

func (ns *NodeStore) loadColors(ctx context.Context, attrs map[AttributeName]string, name AttributeName) ([]color.NRGBA, error) {
	key, ok := attrs[name]
	if !ok {
		return nil, nil
	}
	if cached, ok := storage.CacheGet[[]color.NRGBA](ns.cache, key); ok {
		return *cached, nil
	}
	data, err := ns.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s blob %q", name, key)
	}
	cs, err := decodeColors(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s blob %q", name, key)
	}
	storage.CachePut(ns.cache, key, &cs)
	return cs, nil
}

func (ns *NodeStore) loadInt32s(ctx context.Context, attrs map[AttributeName]string, name AttributeName) ([]int32, error) {
	key, ok := attrs[name]
	if !ok {
		return nil, nil
	}
	if cached, ok := storage.CacheGet[[]int32](ns.cache, key); ok {
		return *cached, nil
	}
	data, err := ns.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s blob %q", name, key)
	}
	vs, err := decodeInt32s(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s blob %q", name, key)
	}
	storage.CachePut(ns.cache, key, &vs)
	return vs, nil
}

func (ns *NodeStore) loadBytes(ctx context.Context, attrs map[AttributeName]string, name AttributeName) ([]byte, error) {
	key, ok := attrs[name]
	if !ok {
		return nil, nil
	}
	if cached, ok := storage.CacheGet[[]byte](ns.cache, key); ok {
		return *cached, nil
	}
	data, err := ns.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s blob %q", name, key)
	}
	vs, err := decodeBytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s blob %q", name, key)
	}
	storage.CachePut(ns.cache, key, &vs)
	return vs, nil
}
