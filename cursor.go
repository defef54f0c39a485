package dune

import (
	"context"
	"sync"
)

// rawCursor holds the untransformed buffering/CONTINUE/STOP state shared by
// a Cursor[A] and every Cursor[B] derived from it via Map. All state is
// protected by mu so Next/NextBatch stay linearizable per cursor even when
// called from more than one derived Cursor.
type rawCursor struct {
	mu sync.Mutex

	h *WaiterHandle

	buffer      []Datum
	exhausted   bool
	err         error
	lastPartial bool
	closed      bool
}

func newRawCursor(h *WaiterHandle) *rawCursor {
	return &rawCursor{h: h}
}

// consume folds a Response into the cursor's buffer/exhausted/err state.
func (rc *rawCursor) consume(resp Response) {
	switch {
	case resp.IsError():
		rc.err = resp.Err()
		rc.exhausted = true
	case resp.IsSingle():
		rc.buffer = append(rc.buffer, resp.Single())
		rc.exhausted = true
	case resp.IsBatch():
		partial, datums := resp.Batch()
		rc.buffer = append(rc.buffer, datums...)
		rc.lastPartial = partial
		rc.exhausted = !partial
	}
}

// fetchMore obtains exactly one more Response: a NOREPLY handle's
// pre-populated value the first time, otherwise a CONTINUE (if the
// previous batch was partial) followed by the next channel read.
func (rc *rawCursor) fetchMore(ctx context.Context) error {
	if rc.h.immediate != nil {
		resp := *rc.h.immediate
		rc.h.immediate = nil
		rc.consume(resp)
		return nil
	}
	if rc.h.w == nil {
		rc.exhausted = true
		return nil
	}

	if rc.lastPartial {
		if err := rc.h.core.continueToken(rc.h.token); err != nil {
			rc.err = err
			rc.exhausted = true
			return err
		}
		rc.lastPartial = false
	}

	select {
	case resp, ok := <-rc.h.w.ch:
		if !ok {
			err := rc.h.core.poison.Load()
			if err == nil {
				err = &ConnectionError{Message: "connection closed"}
			}
			rc.err = err
			rc.exhausted = true
			return err
		}
		rc.consume(resp)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextRaw pops one datum, fetching more from the wire as needed.
func (rc *rawCursor) nextRaw(ctx context.Context) (Datum, bool, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for {
		if rc.err != nil {
			return nil, false, rc.err
		}
		if len(rc.buffer) > 0 {
			d := rc.buffer[0]
			rc.buffer = rc.buffer[1:]
			return d, true, nil
		}
		if rc.exhausted {
			return nil, false, nil
		}
		if err := rc.fetchMore(ctx); err != nil {
			return nil, false, err
		}
	}
}

// nextBatchRaw returns (and drains) the current buffer, fetching exactly
// one more batch from the wire first if the buffer is currently empty and
// the stream isn't exhausted. It never pre-fetches a second batch.
func (rc *rawCursor) nextBatchRaw(ctx context.Context) ([]Datum, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.err != nil {
		return nil, rc.err
	}
	if len(rc.buffer) == 0 && !rc.exhausted {
		if err := rc.fetchMore(ctx); err != nil {
			return nil, err
		}
	}

	out := rc.buffer
	rc.buffer = nil
	return out, nil
}

func (rc *rawCursor) isExhausted() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.exhausted && len(rc.buffer) == 0
}

// close abandons the cursor. If the stream already reached a terminal
// response, this is a no-op (zero STOPs on normal exhaustion); otherwise it
// sends exactly one STOP for the token.
func (rc *rawCursor) close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true

	if rc.exhausted {
		return
	}
	rc.h.stopIfAbandoned()
	rc.exhausted = true
}

// Cursor is a buffered pull over a WaiterHandle's response stream, with a
// transform applied to each datum as it's delivered. The transform set by
// MakeCursor is the identity.
type Cursor[A any] struct {
	raw       *rawCursor
	transform func(Datum) (A, error)
}

// MakeCursor wraps h in a Cursor of raw Datums.
func MakeCursor(h *WaiterHandle) *Cursor[Datum] {
	return &Cursor[Datum]{
		raw:       newRawCursor(h),
		transform: func(d Datum) (Datum, error) { return d, nil },
	}
}

// MapCursor returns a new cursor over the same underlying stream as c,
// post-composing f onto c's existing transform. Both cursors share one
// rawCursor, so closing either one closes the stream for both.
func MapCursor[A, B any](c *Cursor[A], f func(A) (B, error)) *Cursor[B] {
	prev := c.transform
	return &Cursor[B]{
		raw: c.raw,
		transform: func(d Datum) (B, error) {
			a, err := prev(d)
			if err != nil {
				var zero B
				return zero, err
			}
			return f(a)
		},
	}
}

// Next returns the next element, or ok=false once the stream is exhausted.
// A sticky error is returned (and re-returned on every subsequent call) the
// moment a DbError or connection failure is observed.
func (c *Cursor[A]) Next(ctx context.Context) (value A, ok bool, err error) {
	d, ok, err := c.raw.nextRaw(ctx)
	if err != nil || !ok {
		var zero A
		return zero, ok, err
	}
	value, err = c.transform(d)
	return value, true, err
}

// NextBatch returns the cursor's entire currently-buffered batch (fetching
// one batch from the wire first if nothing is buffered yet), without
// pre-fetching beyond that.
func (c *Cursor[A]) NextBatch(ctx context.Context) ([]A, error) {
	raws, err := c.raw.nextBatchRaw(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]A, 0, len(raws))
	for _, d := range raws {
		v, terr := c.transform(d)
		if terr != nil {
			return out, terr
		}
		out = append(out, v)
	}
	return out, nil
}

// Collect returns a lazy batch generator: each call to the returned
// function blocks for the next batch, ok is false once the stream is
// exhausted. Unlike CollectStrict, nothing beyond the most recently
// requested batch is ever fetched.
func (c *Cursor[A]) Collect(ctx context.Context) func() (batch []A, ok bool, err error) {
	return func() ([]A, bool, error) {
		if c.raw.isExhausted() {
			return nil, false, nil
		}
		batch, err := c.NextBatch(ctx)
		if err != nil {
			return nil, false, err
		}
		if len(batch) == 0 && c.raw.isExhausted() {
			return nil, false, nil
		}
		return batch, true, nil
	}
}

// CollectStrict fully drains the cursor into one slice before returning.
func (c *Cursor[A]) CollectStrict(ctx context.Context) ([]A, error) {
	var all []A
	next := c.Collect(ctx)
	for {
		batch, ok, err := next()
		if err != nil {
			return all, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, batch...)
	}
}

// Each applies fn to every element until the cursor is exhausted or fn (or
// the stream) returns an error.
func (c *Cursor[A]) Each(ctx context.Context, fn func(A) error) error {
	next := c.Collect(ctx)
	for {
		batch, ok, err := next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, v := range batch {
			if err := fn(v); err != nil {
				return err
			}
		}
	}
}

// Close abandons the cursor: if the stream hasn't reached a terminal
// response yet, exactly one STOP is sent for its token and the waiter entry
// is removed. It is the deterministic, explicit cleanup path and must be
// called by every consumer that stops pulling before exhaustion — there is
// no finalizer or garbage-collector hook backing it up.
func (c *Cursor[A]) Close() {
	c.raw.close()
}
