package dune

import (
	"context"
	"encoding/json"

	"github.com/go-kit/kit/log/level"
)

// WaiterHandle is the result of submitting a query. For a normal query it
// wraps the registered waiter; for a NOREPLY query it carries a
// pre-populated Single(null) response and never touches the waiter
// registry, since the server is never going to reply to it.
type WaiterHandle struct {
	core  *connCore
	token uint64

	w         *waiter
	immediate *Response
}

// Token returns the token allocated for this query.
func (h *WaiterHandle) Token() uint64 { return h.token }

// isNoReply inspects the third element of the outer query array (the
// options object) for `noreply: true`. Any shape that doesn't match is
// treated as non-NOREPLY; the query builder/AST that produces this JSON is
// a separate concern this driver doesn't own.
func isNoReply(query json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(query, &arr); err != nil || len(arr) < 3 {
		return false
	}
	var opts struct {
		Noreply bool `json:"noreply"`
	}
	if json.Unmarshal(arr[2], &opts) != nil {
		return false
	}
	return opts.Noreply
}

// RunQuery allocates a token, registers a waiter (unless the query is
// NOREPLY), sends the frame, and returns a handle for reading the response
// stream. term is kept only to annotate a future DbError.
func RunQuery(conn *Connection, query json.RawMessage, term *Term) (*WaiterHandle, error) {
	core := conn.core
	if err := core.poison.Load(); err != nil {
		return nil, err
	}

	token := core.nextToken.Inc()

	if isNoReply(query) {
		if err := core.writeFrame(token, query); err != nil {
			return nil, err
		}
		core.metrics.incTokens()
		immediate := Response{k: kindSingle, single: json.RawMessage("null")}
		return &WaiterHandle{core: core, token: token, immediate: &immediate}, nil
	}

	w := newWaiter(token, term)
	core.waiters.Store(token, w)
	core.metrics.waiterAdded()

	if err := core.writeFrame(token, query); err != nil {
		if core.waiters.CompareAndDelete(token, w) {
			core.metrics.waiterRemoved()
		}
		return nil, err
	}
	core.metrics.incTokens()

	return &WaiterHandle{core: core, token: token, w: w}, nil
}

// recv blocks for the next Response on this handle's stream, or returns
// ctx's error if it's cancelled first. A NOREPLY handle always returns its
// pre-populated Single(null) immediately.
func (h *WaiterHandle) recv(ctx context.Context) (Response, error) {
	if h.immediate != nil {
		return *h.immediate, nil
	}

	select {
	case resp, ok := <-h.w.ch:
		if !ok {
			if err := h.core.poison.Load(); err != nil {
				return Response{}, err
			}
			return Response{}, &ConnectionError{Message: "connection closed"}
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// continueToken sends a CONTINUE frame for token. Used only by a Cursor
// pulling the next batch of a partial stream.
func (core *connCore) continueToken(token uint64) error {
	if err := core.writeFrame(token, continuePayload); err != nil {
		return err
	}
	level.Debug(core.log).Log("msg", "sent CONTINUE", "token", token)
	core.metrics.incContinues()
	return nil
}

// stopIfAbandoned removes the waiter for h if it's still registered (i.e.
// the stream hadn't already reached a terminal response) and sends STOP for
// it. It is the deterministic drop-path cleanup for a cursor that's dropped
// before exhaustion: called explicitly by Cursor.Close, never implicitly.
func (h *WaiterHandle) stopIfAbandoned() {
	if h.w == nil {
		return // NOREPLY handle; nothing was ever registered.
	}
	if !h.core.waiters.CompareAndDelete(h.token, h.w) {
		return // Already removed: terminal response observed, or connection died.
	}
	h.core.metrics.waiterRemoved()
	h.w.signalStopped()

	// Best-effort: abandonment itself is not an error, and a poisoned
	// connection means there's nothing left to signal.
	_ = h.core.writeFrame(h.token, stopPayload)
	level.Debug(h.core.log).Log("msg", "sent STOP", "token", h.token)
	h.core.metrics.incStops()
}

// NoReplyWait submits a synthetic NOREPLY_WAIT query (not itself NOREPLY)
// and blocks until the server's WAIT_COMPLETE response arrives, signaling
// every previously issued NOREPLY query has committed.
func NoReplyWait(conn *Connection) error {
	h, err := RunQuery(conn, noreplyWaitPayload, nil)
	if err != nil {
		return err
	}
	resp, err := h.recv(context.Background())
	if err != nil {
		return err
	}
	if resp.IsError() {
		return resp.Err()
	}
	if !resp.IsSingle() {
		return &ConnectionError{Message: "unexpected response to NOREPLY_WAIT"}
	}
	return nil
}
