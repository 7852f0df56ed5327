// Package ingest assembles massive point clouds into persisted octrees:
// chunks are filtered and built into per-chunk trees in parallel, the
// trees are folded pairwise into one, and the result is published under a
// symbolic key, optionally with level-of-detail samples and estimated
// normals.
package ingest

import (
	"context"
	"runtime"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/pointtree/octree"
	"go.viam.com/pointtree/pointcloud"
	"go.viam.com/pointtree/storage"
)

// ChunkSource yields the chunks of one import. NextChunk returns
// (nil, nil) once the source is exhausted. Sources are read sequentially;
// they need not be safe for concurrent use.
type ChunkSource interface {
	NextChunk(ctx context.Context) (*pointcloud.Chunk, error)
}

// Sized is an optional ChunkSource extension reporting the total chunk
// count up front, enabling exact progress reporting.
type Sized interface {
	Len() int
}

type sliceSource struct {
	chunks []*pointcloud.Chunk
	next   int
}

// NewSliceSource wraps in-memory chunks as a ChunkSource.
func NewSliceSource(chunks ...*pointcloud.Chunk) ChunkSource {
	return &sliceSource{chunks: chunks}
}

func (s *sliceSource) NextChunk(ctx context.Context) (*pointcloud.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.chunks) {
		return nil, nil
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func (s *sliceSource) Len() int {
	return len(s.chunks)
}

// Options configures an import.
type Options struct {
	// Key is the symbolic name the final point set handle is stored
	// under; a fresh one is generated when empty.
	Key string

	// SplitLimit caps the number of points per leaf
	// (octree.DefaultSplitLimit when zero).
	SplitLimit int

	// MinDist thins each chunk so no two kept points are closer than
	// this; zero disables thinning.
	MinDist float64

	// Reproject transforms every position before indexing; nil disables.
	Reproject func(r3.Vector) r3.Vector

	// EstimateNormals runs after construction to fill in missing
	// normals; nil skips the pass.
	EstimateNormals octree.NormalEstimator

	// CreateOctreeLod runs the level-of-detail pass after construction.
	CreateOctreeLod bool

	// DeduplicateChunks drops chunks whose content hash was already
	// ingested.
	DeduplicateChunks bool

	// MaxDegreeOfParallelism bounds worker concurrency (NumCPU when
	// zero or negative).
	MaxDegreeOfParallelism int

	// Progress, when set, receives monotone values in [0, 1]: mapping
	// reports up to 0.5, reducing the rest.
	Progress func(float64)

	// Verbose emits human-readable status through the logger.
	Verbose bool
}

// DefaultOptions returns the standard import configuration.
func DefaultOptions() Options {
	return Options{
		SplitLimit:      octree.DefaultSplitLimit,
		CreateOctreeLod: true,
	}
}

// progressReporter keeps callback values monotone under concurrent
// completions.
type progressReporter struct {
	mu   sync.Mutex
	best float64
	fn   func(float64)
}

func (p *progressReporter) report(v float64) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > p.best {
		if v > 1 {
			v = 1
		}
		p.best = v
		p.fn(p.best)
	}
}

// Ingest runs the full import: map (filter + per-chunk build), reduce
// (pairwise merge), optional LoD and normal passes, and finally the
// handle write. It returns the published handle and the root node.
func Ingest(ctx context.Context, store storage.Store, source ChunkSource, opts Options, logger golog.Logger) (octree.PointSet, *octree.Node, error) {
	if store == nil {
		return octree.PointSet{}, nil, errors.New("ingest needs a storage backend")
	}
	if source == nil {
		return octree.PointSet{}, nil, errors.New("ingest needs a chunk source")
	}
	if opts.SplitLimit < 0 {
		return octree.PointSet{}, nil, errors.Errorf("invalid split limit %d", opts.SplitLimit)
	}
	if opts.MinDist < 0 {
		return octree.PointSet{}, nil, errors.Errorf("invalid min dist %f", opts.MinDist)
	}
	parallelism := opts.MaxDegreeOfParallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	ns := octree.NewNodeStore(store)
	builder, err := octree.NewBuilder(ns, opts.SplitLimit, logger)
	if err != nil {
		return octree.PointSet{}, nil, err
	}
	progress := &progressReporter{fn: opts.Progress}

	roots, err := mapChunks(ctx, builder, source, opts, parallelism, progress, logger)
	if err != nil {
		return octree.PointSet{}, nil, err
	}
	root, err := reduceRoots(ctx, builder, roots, parallelism, progress, opts.Verbose, logger)
	if err != nil {
		return octree.PointSet{}, nil, err
	}

	if opts.CreateOctreeLod {
		if opts.Verbose {
			logger.Infow("generating level of detail", "points", root.PointCountTree())
		}
		if root, err = builder.GenerateLod(ctx, root); err != nil {
			return octree.PointSet{}, nil, err
		}
	}
	if opts.EstimateNormals != nil {
		if opts.Verbose {
			logger.Infow("estimating normals", "points", root.PointCountTree())
		}
		if root, err = builder.EstimateNormals(ctx, root, opts.EstimateNormals); err != nil {
			return octree.PointSet{}, nil, err
		}
	}

	key := opts.Key
	if key == "" {
		key = uuid.New().String()
	}
	ps := octree.PointSet{
		Id:         uuid.New().String(),
		RootNodeId: root.ID(),
		SplitLimit: builder.SplitLimit(),
	}
	if err := octree.SavePointSet(ctx, ns, key, ps); err != nil {
		return octree.PointSet{}, nil, err
	}
	progress.report(1)
	if opts.Verbose {
		logger.Infow("import complete", "key", key, "points", root.PointCountTree())
	}
	return ps, root, nil
}

// mapChunks reads the source sequentially and builds per-chunk trees with
// up to parallelism workers in flight.
func mapChunks(
	ctx context.Context,
	builder *octree.Builder,
	source ChunkSource,
	opts Options,
	parallelism int,
	progress *progressReporter,
	logger golog.Logger,
) ([]*octree.Node, error) {
	total := 0
	if sized, ok := source.(Sized); ok {
		total = sized.Len()
	}
	seen := mapset.NewSet[string]()

	var (
		mu    sync.Mutex
		roots []*octree.Node
		done  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	var srcErr error
	for {
		chunk, err := source.NextChunk(ctx)
		if err != nil {
			srcErr = errors.Wrap(err, "reading chunk source")
			break
		}
		if chunk == nil {
			break
		}
		if err := chunk.Validate(); err != nil {
			srcErr = err
			break
		}
		if opts.DeduplicateChunks && !seen.Add(chunk.ContentHash()) {
			if opts.Verbose {
				logger.Debugw("skipping duplicate chunk", "points", chunk.Len())
			}
			continue
		}
		g.Go(func() error {
			prepared := pointcloud.FilterMinDist(chunk.Transform(opts.Reproject), opts.MinDist)
			root, err := builder.BuildChunk(gctx, prepared)
			if err != nil {
				return err
			}
			mu.Lock()
			roots = append(roots, root)
			done++
			completed := done
			mu.Unlock()
			if total > 0 {
				progress.report(0.5 * float64(completed) / float64(total))
			} else {
				progress.report(0.5 * (1 - 1/float64(completed+1)))
			}
			return nil
		})
	}
	if err := multierr.Combine(g.Wait(), srcErr); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return roots, nil
}

// reduceRoots folds the per-chunk trees pairwise until one remains, a
// round at a time with the merges of each round running in parallel.
func reduceRoots(
	ctx context.Context,
	builder *octree.Builder,
	roots []*octree.Node,
	parallelism int,
	progress *progressReporter,
	verbose bool,
	logger golog.Logger,
) (*octree.Node, error) {
	if len(roots) == 0 {
		return builder.BuildChunk(ctx, pointcloud.NewChunk(nil))
	}
	totalMerges := len(roots) - 1
	merges := 0
	for len(roots) > 1 {
		if verbose {
			logger.Debugw("merge round", "trees", len(roots))
		}
		next := make([]*octree.Node, (len(roots)+1)/2)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallelism)
		for i := 0; i+1 < len(roots); i += 2 {
			x, y, slot := roots[i], roots[i+1], i/2
			g.Go(func() error {
				merged, err := builder.Merge(gctx, x, y)
				if err != nil {
					return err
				}
				next[slot] = merged
				return nil
			})
		}
		if len(roots)%2 == 1 {
			next[len(next)-1] = roots[len(roots)-1]
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		merges += len(roots) / 2
		roots = next
		progress.report(0.5 + 0.5*float64(merges)/float64(totalMerges))
	}
	return roots[0], nil
}
