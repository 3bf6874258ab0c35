package redistributor

import (
	"context"
	"io"

	"spacedb/tuple"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Source yields tuples until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (*tuple.Tuple, error)
}

// SliceSource yields a fixed list, e.g. writes buffered during a split.
type SliceSource struct {
	tuples []*tuple.Tuple
	pos    int
}

func NewSliceSource(tuples []*tuple.Tuple) *SliceSource {
	return &SliceSource{tuples: tuples}
}

func (s *SliceSource) Next(context.Context) (*tuple.Tuple, error) {
	if s.pos >= len(s.tuples) {
		return nil, io.EOF
	}
	t := s.tuples[s.pos]
	s.pos++
	return t, nil
}

// ChanSource yields the tuples sent on a channel until it is closed.
type ChanSource struct {
	ch <-chan *tuple.Tuple
}

func NewChanSource(ch <-chan *tuple.Tuple) *ChanSource {
	return &ChanSource{ch: ch}
}

func (s *ChanSource) Next(ctx context.Context) (*tuple.Tuple, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return t, nil
	}
}

// TupleIterator is the iterator of the local store.
type TupleIterator interface {
	Next() (*tuple.Tuple, error)
}

type iteratorSource struct {
	it TupleIterator
}

// FromIterator adapts a store iterator.
func FromIterator(it TupleIterator) Source {
	return iteratorSource{it: it}
}

func (s iteratorSource) Next(ctx context.Context) (*tuple.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.it.Next()
}

// Run drains all sources concurrently. Tuples outside every region are
// logged and skipped; any other error stops the pass. Delivery is at least
// once: a tuple may reach a sink from more than one source.
func (d *TupleRedistributor) Run(ctx context.Context, sources ...Source) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			for {
				t, err := src.Next(ctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				err = d.RedistributeTuple(ctx, t)
				if errors.Is(err, ErrCoverage) {
					d.logCoverage(ctx, err)
					continue
				}
				if err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
