package export

import (
	"context"
	"io"
	"sync"
)

// Item is one unit of source data flowing through the export pipeline.
type Item struct {
	// ID is the caller-assigned object identifier, recorded in checkpoints
	ID string
	// Data is the raw payload handed to the transform
	Data interface{}
}

// Source is a lazy, finite, non-restartable sequence of items. Next returns
// io.EOF when the sequence is exhausted. A coordinator-level error from Next
// (anything other than io.EOF) aborts the section with the checkpoint saved.
type Source interface {
	Next(ctx context.Context) (*Item, error)
}

// Transform converts one source item into its exported form, typically by
// calling the remote API. It runs gated by the concurrency limiter and paced
// by the rate limiter.
type Transform func(ctx context.Context, item *Item) (interface{}, error)

// SliceSource is a Source backed by a fixed slice, used by tests and local
// replays. Like any Source it is consumed exactly once.
type SliceSource struct {
	items []*Item
	pos   int
	mu    sync.Mutex
}

// NewSliceSource creates a source over the given items.
func NewSliceSource(items []*Item) *SliceSource {
	return &SliceSource{items: items}
}

// Next returns the next item or io.EOF
func (s *SliceSource) Next(ctx context.Context) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

// FuncSource adapts a pull function to the Source interface, for callers
// whose iteration logic is a closure over pagination state.
type FuncSource func(ctx context.Context) (*Item, error)

// Next invokes the underlying function
func (f FuncSource) Next(ctx context.Context) (*Item, error) {
	return f(ctx)
}
