// Package stream provides pull-based, cancellable frame sequences.
//
//	it := stream.Frames(ctx, sess, stream.Options{MaxCount: 10})
//	defer it.Close()
//	for it.Next() {
//		use(it.Frame())
//	}
//	if err := it.Err(); err != nil { ... }
//
// The session's reader lease is held only inside Next, so an abandoned
// iterator never blocks other consumers.
package stream

import (
	"context"
	"iter"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/filter"
	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/metrics"
	"github.com/kstaniek/go-can-session/internal/session"
)

// Reader is the part of a session a stream needs.
type Reader interface {
	Acquire(session.Owner) (*session.Lease, error)
	Interface() string
}

type Options struct {
	// Timeout bounds each read; timeouts are retried, never surfaced.
	// Zero uses the session timeout.
	Timeout time.Duration
	// MaxCount ends the sequence after that many frames. Zero is unbounded.
	MaxCount int
	// Predicate, when set, discards frames it rejects.
	Predicate can.Predicate
}

// Iterator is a cursor over received frames. It is not safe for concurrent use.
type Iterator struct {
	ctx   context.Context
	src   Reader
	opts  Options
	cur   can.Frame
	count int
	err   error
	done  bool
}

// Frames returns a new independent sequence. Nothing is read until Next.
func Frames(ctx context.Context, src Reader, opts Options) *Iterator {
	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	return &Iterator{ctx: ctx, src: src, opts: opts}
}

// FramesWithID yields only frames carrying id.
func FramesWithID(ctx context.Context, src Reader, id uint32, opts Options) *Iterator {
	opts.Predicate = filter.And(opts.Predicate, filter.ByID(id))
	return Frames(ctx, src, opts)
}

// FramesOfKind yields only frames of kind k.
func FramesOfKind(ctx context.Context, src Reader, k can.Kind, opts Options) *Iterator {
	opts.Predicate = filter.And(opts.Predicate, filter.ByKind(k))
	return Frames(ctx, src, opts)
}

// Collect drains a sequence into a slice. With MaxCount zero it only
// returns once ctx is done or a read fails.
func Collect(ctx context.Context, src Reader, opts Options) ([]can.Frame, error) {
	it := Frames(ctx, src, opts)
	defer it.Close()
	var out []can.Frame
	for it.Next() {
		out = append(out, it.Frame())
	}
	return out, it.Err()
}

// Next advances to the next matching frame. It returns false once the
// sequence is exhausted, closed, cancelled or failed; Err tells which.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.opts.MaxCount > 0 && it.count >= it.opts.MaxCount {
		it.finish(nil)
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.finish(err)
		return false
	}
	lease, err := it.src.Acquire(session.OwnerStream)
	if err != nil {
		it.finish(err)
		return false
	}
	defer lease.Release()
	for {
		fr, err := lease.Receive(it.opts.Timeout)
		if cerr := it.ctx.Err(); cerr != nil {
			it.finish(cerr)
			return false
		}
		switch {
		case err == nil:
			if it.opts.Predicate != nil && !it.opts.Predicate(fr) {
				continue
			}
			it.cur = fr
			it.count++
			metrics.IncStream()
			return true
		case can.IsTimeout(err):
			continue
		default:
			metrics.IncError(metrics.ErrStream)
			logging.L().Warn("stream_read_error", "iface", it.src.Interface(), "yielded", it.count, "error", err)
			it.finish(err)
			return false
		}
	}
}

func (it *Iterator) finish(err error) {
	it.done = true
	it.err = err
	it.cur = can.Frame{}
}

// Frame returns the frame produced by the last successful Next.
func (it *Iterator) Frame() can.Frame { return it.cur }

// Err returns the error that ended the sequence, nil on a clean end.
func (it *Iterator) Err() error { return it.err }

// Count is the number of frames yielded so far.
func (it *Iterator) Count() int { return it.count }

// Close ends the sequence cleanly; later Next calls issue no reads.
func (it *Iterator) Close() {
	if !it.done {
		it.finish(nil)
	}
}

// All adapts the cursor to a range-over-func sequence. Breaking out of
// the loop closes the iterator.
func (it *Iterator) All() iter.Seq[can.Frame] {
	return func(yield func(can.Frame) bool) {
		for it.Next() {
			if !yield(it.Frame()) {
				it.Close()
				return
			}
		}
	}
}
