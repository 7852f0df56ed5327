package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils"
)

type payload struct {
	N int
}

func TestRefLazyLoad(t *testing.T) {
	ctx := context.Background()
	var loads int32
	ref := NewRef("p1", func(ctx context.Context, id string) (*payload, error) {
		atomic.AddInt32(&loads, 1)
		return &payload{N: 7}, nil
	})

	test.That(t, ref.ID(), test.ShouldEqual, "p1")
	test.That(t, ref.TryValue(), test.ShouldBeNil)
	test.That(t, atomic.LoadInt32(&loads), test.ShouldEqual, 0)

	v, err := ref.Value(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.N, test.ShouldEqual, 7)
	test.That(t, atomic.LoadInt32(&loads), test.ShouldEqual, 1)

	// while the value is held strongly, no reload happens
	v2, err := ref.Value(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v2, test.ShouldEqual, v)
	test.That(t, atomic.LoadInt32(&loads), test.ShouldEqual, 1)
	test.That(t, ref.TryValue(), test.ShouldEqual, v)
}

func TestRefLoadError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("medium offline")
	ref := NewRef("p2", func(ctx context.Context, id string) (*payload, error) {
		return nil, boom
	})
	_, err := ref.Value(ctx)
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
}

func TestRefConcurrentFirstLoad(t *testing.T) {
	ctx := context.Background()
	var loads int32
	ref := NewRef("p3", func(ctx context.Context, id string) (*payload, error) {
		atomic.AddInt32(&loads, 1)
		return &payload{N: 3}, nil
	})
	var wg sync.WaitGroup
	results := make(chan *payload, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			v, err := ref.Value(ctx)
			test.That(t, err, test.ShouldBeNil)
			results <- v
		})
	}
	wg.Wait()
	close(results)
	for v := range results {
		test.That(t, v.N, test.ShouldEqual, 3)
	}
}

func TestResolvedRef(t *testing.T) {
	ctx := context.Background()
	var loads int32
	v := &payload{N: 11}
	ref := NewResolvedRef("p4", func(ctx context.Context, id string) (*payload, error) {
		atomic.AddInt32(&loads, 1)
		return &payload{N: 11}, nil
	}, v)

	got, err := ref.Value(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, v)
	test.That(t, atomic.LoadInt32(&loads), test.ShouldEqual, 0)
}

func TestCache(t *testing.T) {
	c := NewCache()
	v := &payload{N: 9}
	CachePut(c, "k", v)

	got, ok := CacheGet[payload](c, "k")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, v)

	_, ok = CacheGet[payload](c, "missing")
	test.That(t, ok, test.ShouldBeFalse)

	// wrong type for the slot is a miss, not a panic
	_, ok = CacheGet[int](c, "k")
	test.That(t, ok, test.ShouldBeFalse)
}
