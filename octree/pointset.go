package octree

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/pointtree/storage"
)

// PointSet is the named handle of a persisted octree. Downstream
// consumers look a tree up by this symbolic key rather than a raw node
// id.
type PointSet struct {
	Id         string `json:"Id"`
	RootNodeId string `json:"RootNodeId"`
	SplitLimit int    `json:"SplitLimit"`
}

// SavePointSet persists the handle under key, last writer wins.
func SavePointSet(ctx context.Context, ns *NodeStore, key string, ps PointSet) error {
	if key == "" {
		return errors.New("point set key must not be empty")
	}
	return storage.ReplaceJSON(ctx, ns.store, key, ps)
}

// LoadPointSet reads the handle stored under key. A missing handle
// surfaces as storage.ErrNotFound, distinct from data errors.
func LoadPointSet(ctx context.Context, ns *NodeStore, key string) (PointSet, error) {
	var ps PointSet
	if err := storage.GetJSON(ctx, ns.store, key, &ps); err != nil {
		return PointSet{}, err
	}
	if ps.RootNodeId == "" {
		return PointSet{}, errors.Errorf("point set %q has no root node", key)
	}
	return ps, nil
}

// LoadPointSetRoot reads the handle under key and its root node.
func LoadPointSetRoot(ctx context.Context, ns *NodeStore, key string) (PointSet, *Node, error) {
	ps, err := LoadPointSet(ctx, ns, key)
	if err != nil {
		return PointSet{}, nil, err
	}
	root, err := ns.LoadNode(ctx, ps.RootNodeId)
	if err != nil {
		return PointSet{}, nil, err
	}
	return ps, root, nil
}

// LinkPointSet publishes an existing tree under an additional key without
// copying it: the new handle's root is a linked node forwarding to the
// existing root.
func LinkPointSet(ctx context.Context, ns *NodeStore, newKey string, existing PointSet) (PointSet, error) {
	root, err := ns.LoadNode(ctx, existing.RootNodeId)
	if err != nil {
		return PointSet{}, err
	}
	linkId, err := ns.WriteLink(ctx, root.Cell(), existing.RootNodeId)
	if err != nil {
		return PointSet{}, err
	}
	ps := PointSet{
		Id:         uuid.New().String(),
		RootNodeId: linkId,
		SplitLimit: existing.SplitLimit,
	}
	if err := SavePointSet(ctx, ns, newKey, ps); err != nil {
		return PointSet{}, err
	}
	return ps, nil
}
