package dune

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dune-db/dune-go/dunetest"
)

// TestCursor_PartialThenSequence verifies a partial batch followed by a
// terminal sequence is collected in order with exactly one CONTINUE and no
// STOPs.
func TestCursor_PartialThenSequence(t *testing.T) {
	inner := dunetest.NewScriptedHandler(func(json.RawMessage) *dunetest.Script {
		return dunetest.NewScript(
			dunetest.PartialStep(1, 2),
			dunetest.SequenceStep(3, 4),
		)
	})
	tracer := &dunetest.TracingHandler{Next: inner}
	srv := &dunetest.Server{Handler: tracer}
	conn, _ := startFakeServer(t, srv)

	h, err := RunQuery(conn, simpleQuery(), nil)
	require.NoError(t, err)

	cur := MakeCursor(h)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	vals, err := cur.CollectStrict(ctx)
	require.NoError(t, err)
	require.Len(t, vals, 4)
	for i, v := range vals {
		require.JSONEq(t, jsonInt(i+1), string(v))
	}

	require.Equal(t, 1, tracer.CountType(dunetest.QueryContinue))
	require.Equal(t, 0, tracer.CountType(dunetest.QueryStop))
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

// TestCursor_MapTransform covers the functorial Map: a derived cursor
// applies its transform on top of the base cursor's datums.
func TestCursor_MapTransform(t *testing.T) {
	srv := &dunetest.Server{
		Handler: dunetest.NewScriptedHandler(func(json.RawMessage) *dunetest.Script {
			return dunetest.NewScript(dunetest.SequenceStep(1, 2, 3))
		}),
	}
	conn, _ := startFakeServer(t, srv)

	h, err := RunQuery(conn, simpleQuery(), nil)
	require.NoError(t, err)

	base := MakeCursor(h)
	doubled := MapCursor(base, func(d Datum) (int, error) {
		var n int
		if err := json.Unmarshal(d, &n); err != nil {
			return 0, err
		}
		return n * 2, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vals, err := doubled.CollectStrict(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 6}, vals)
}

// TestCursor_AbandonmentSendsOneStop verifies closing a cursor before
// exhaustion sends exactly one STOP, and a batch the server races onto the
// wire for the now-abandoned token is silently dropped rather than
// delivered or crashing the reader.
func TestCursor_AbandonmentSendsOneStop(t *testing.T) {
	h := &raceAfterStopHandler{}
	srv := &dunetest.Server{Handler: h}
	conn, _ := startFakeServer(t, srv)

	wh, err := RunQuery(conn, simpleQuery(), nil)
	require.NoError(t, err)

	cur := MakeCursor(wh)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, "1", string(v))

	cur.Close()
	// Closing twice must stay a no-op: no second STOP.
	cur.Close()

	require.Eventually(t, func() bool {
		return h.stopsSeen() == 1
	}, time.Second, 10*time.Millisecond)

	// Give the server time to race its late batch onto the wire and the
	// reader time to drop it; the connection must stay alive throughout.
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 1, h.stopsSeen())
	require.Equal(t, uint64(1), conn.Metrics().StopsSent)

	// The connection is still usable for a fresh query afterward.
	wh2, err := RunQuery(conn, simpleQuery(), nil)
	require.NoError(t, err)
	cur2 := MakeCursor(wh2)
	v2, ok, err := cur2.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, "1", string(v2))
}

// raceAfterStopHandler replies with one partial batch, and on receiving the
// STOP for that token, fires a second (late) batch onto the wire anyway, to
// simulate a server that raced a response past the client's abandonment.
// It answers NOREPLY_WAIT so that Connection.Close can finish in cleanup.
type raceAfterStopHandler struct {
	mu    sync.Mutex
	stops int
}

func (h *raceAfterStopHandler) ServeQuery(w *dunetest.ResponseWriter, token uint64, payload json.RawMessage) {
	switch dunetest.QueryType(payload) {
	case dunetest.QueryStart:
		_ = w.WritePartial(token, []interface{}{1, 2})
	case dunetest.QueryStop:
		h.mu.Lock()
		h.stops++
		h.mu.Unlock()
		_ = w.WriteSequence(token, []interface{}{99})
	case dunetest.QueryNoreplyWait:
		_ = w.WriteWaitComplete(token)
	}
}

func (h *raceAfterStopHandler) stopsSeen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}
