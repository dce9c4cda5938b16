package compute

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stream is a device queue. Launches are submitted asynchronously and may
// execute in any order; Wait is the completion barrier and reports the first
// device error.
type Stream struct {
	engine Engine
	ctx    context.Context

	mu     sync.Mutex
	group  *errgroup.Group
	gctx   context.Context
	closed bool
}

// NewStream creates a stream on e. Cancelling ctx aborts pending launches.
func NewStream(ctx context.Context, e Engine) *Stream {
	s := &Stream{engine: e, ctx: ctx}
	s.reset()
	return s
}

func (s *Stream) reset() {
	s.group, s.gctx = errgroup.WithContext(s.ctx)
}

func (s *Stream) Engine() Engine { return s.engine }

// ParallelFor submits k over nd. The argument list is snapshotted, so the
// caller may reuse it. Returns before the kernel completes.
func (s *Stream) ParallelFor(nd NDRange, k Kernel, args *ArgList) error {
	if err := nd.validate(s.engine.MaxWorkGroupSize()); err != nil {
		return err
	}
	if k == nil {
		return fmt.Errorf("%w: nil kernel", ErrLaunch)
	}
	snapshot := args.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: stream closed", ErrLaunch)
	}
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	gctx := s.gctx
	s.group.Go(func() error {
		if err := k.Run(gctx, nd, snapshot); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLaunch, k.Name(), err)
		}
		return nil
	})
	return nil
}

// Wait blocks until every submitted launch has finished. The stream can be
// reused afterwards.
func (s *Stream) Wait() error {
	s.mu.Lock()
	g := s.group
	s.reset()
	s.mu.Unlock()
	return g.Wait()
}

// Close waits for pending work and rejects further submissions.
func (s *Stream) Close() error {
	err := s.Wait()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
