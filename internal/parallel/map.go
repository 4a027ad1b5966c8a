package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the input in parallel, at most limit calls at once,
// and yields the results in completion order. Cancelling the parent context
// or breaking out of the loop stops the processing. Iter returns once every
// started call has returned.
//
//	for res, err := range parallel.NewMap(ctx, 4, apply).Iter(parallel.All(sets)) {}
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit <= 0 {
		limit = 1
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the goroutine feeding the workers
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[D], limit),
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, err := range seq {
			if err != nil {
				s.send(result[D]{e: err})
				continue
			}
			if s.gctx.Err() != nil {
				return s.gctx.Err()
			}
			s.g.Go(func() error {
				if s.gctx.Err() != nil {
					return s.gctx.Err()
				}
				d, err := s.mapFunc(s.gctx, entry)
				s.send(result[D]{d: d, e: err})
				return nil
			})
		}
		return nil
	})
}

func (s *Map[E, D]) send(r result[D]) {
	select {
	case <-s.gctx.Done():
	case s.mapped <- r:
	}
}

func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		// stop the workers and wait for them, the channel is closed once
		// the group is done
		defer func() {
			s.cancelParent()
			for range s.mapped {
			}
		}()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// All adapts a slice to the input of Iter.
func All[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}
