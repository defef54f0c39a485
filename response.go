package dune

import (
	"encoding/json"
	"fmt"
)

// responseType is the `t` field of a decoded response object.
type responseType int

const (
	respSuccessAtom     responseType = 1
	respSuccessSequence responseType = 2
	respSuccessPartial  responseType = 3
	respWaitComplete    responseType = 4
	respClientError     responseType = 16
	respCompileError    responseType = 17
	respRuntimeError    responseType = 18
)

// kind discriminates the Response tagged union.
type kind int

const (
	kindSingle kind = iota
	kindBatch
	kindError
)

// Response is the tagged union a Waiter's channel carries: either a single
// terminal datum, a (possibly partial) batch of datums, or a terminal
// DbError. Exactly one of the accessors below is meaningful depending on
// Kind().
type Response struct {
	k kind

	single Datum

	partial bool
	batch   []Datum

	err *DbError
}

// Datum is a raw decoded JSON value: the result decoder that turns a Datum
// into a user-facing typed value lives outside this core.
type Datum = json.RawMessage

// IsSingle reports whether this is a terminal single-value response.
func (r Response) IsSingle() bool { return r.k == kindSingle }

// IsBatch reports whether this is a (possibly partial) batch response.
func (r Response) IsBatch() bool { return r.k == kindBatch }

// IsError reports whether this is a terminal DbError response.
func (r Response) IsError() bool { return r.k == kindError }

// Single returns the datum of a Single response. Only valid when IsSingle.
func (r Response) Single() Datum { return r.single }

// Batch returns whether more batches follow and the datums delivered with
// this one. Only valid when IsBatch.
func (r Response) Batch() (partial bool, datums []Datum) { return r.partial, r.batch }

// Err returns the DbError. Only valid when IsError.
func (r Response) Err() *DbError { return r.err }

// Terminal reports whether this response ends the token's stream: a Single,
// a non-partial Batch, or an Error are all terminal.
func (r Response) Terminal() bool {
	switch r.k {
	case kindSingle, kindError:
		return true
	case kindBatch:
		return !r.partial
	}
	return false
}

// rawResponse is the wire shape of a decoded response object: `t` is
// the response type, `r` the optional result array, `b` the optional
// backtrace, `p` a profile object the core ignores.
type rawResponse struct {
	Type      responseType    `json:"t"`
	Results   []Datum         `json:"r"`
	Backtrace []rawBacktrace  `json:"b"`
	Profile   json.RawMessage `json:"p"`
}

type rawBacktrace struct {
	// A backtrace frame is either a JSON number (positional index) or a
	// JSON string (option key); UnmarshalJSON below picks the right one.
	pos   int
	key   string
	isKey bool
}

func (f *rawBacktrace) UnmarshalJSON(bb []byte) error {
	var asInt int
	if err := json.Unmarshal(bb, &asInt); err == nil {
		f.pos = asInt
		return nil
	}
	var asStr string
	if err := json.Unmarshal(bb, &asStr); err == nil {
		f.key = asStr
		f.isKey = true
		return nil
	}
	return fmt.Errorf("invalid backtrace frame: %s", bb)
}

func toBacktrace(raw []rawBacktrace) Backtrace {
	if len(raw) == 0 {
		return nil
	}
	bt := make(Backtrace, len(raw))
	for i, f := range raw {
		bt[i] = BacktraceFrame{Pos: f.pos, Key: f.key, IsKey: f.isKey}
	}
	return bt
}

// decodeResponse parses a response frame's payload into its raw wire shape.
// A payload that isn't valid JSON means the frame itself is corrupt rather
// than merely reporting a query failure, so the caller treats it as
// connection-fatal instead of attributing it to one token.
func decodeResponse(payload json.RawMessage) (rawResponse, error) {
	var raw rawResponse
	if err := json.Unmarshal(payload, &raw); err != nil {
		if !json.Valid(payload) {
			return rawResponse{}, &ReadError{Cause: err}
		}
		// Well-formed JSON of the wrong shape (a non-object, or a field of
		// the wrong type) is per-token: the zero Type makes classify report
		// it as UnexpectedResponse.
		return rawResponse{}, nil
	}
	return raw, nil
}

// classify maps an already-decoded response object to a Response. term is
// the originating query's term, attached to any DbError produced so it can
// be rendered with a HERE annotation.
func classify(raw rawResponse, term *Term) Response {
	switch raw.Type {
	case respSuccessAtom:
		if len(raw.Results) != 1 {
			return errorResponse(UnexpectedResponse, term, "SUCCESS_ATOM without exactly one result", nil)
		}
		return Response{k: kindSingle, single: raw.Results[0]}

	case respSuccessSequence:
		return Response{k: kindBatch, partial: false, batch: raw.Results}

	case respSuccessPartial:
		return Response{k: kindBatch, partial: true, batch: raw.Results}

	case respWaitComplete:
		return Response{k: kindSingle, single: json.RawMessage(`true`)}

	case respClientError:
		return errorResponse(BrokenClient, term, firstOrEmpty(raw.Results), toBacktrace(raw.Backtrace))

	case respCompileError:
		return errorResponse(BadQuery, term, firstOrEmpty(raw.Results), toBacktrace(raw.Backtrace))

	case respRuntimeError:
		return errorResponse(Runtime, term, firstOrEmpty(raw.Results), toBacktrace(raw.Backtrace))

	default:
		return errorResponse(UnexpectedResponse, term, fmt.Sprintf("unknown response type %d", raw.Type), nil)
	}
}

func errorResponse(code ErrorCode, term *Term, msg string, bt Backtrace) Response {
	return Response{k: kindError, err: &DbError{
		Code:      code,
		Term:      term,
		Message:   msg,
		Backtrace: bt,
	}}
}

func firstOrEmpty(results []Datum) string {
	if len(results) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(results[0], &s); err == nil {
		return s
	}
	return string(results[0])
}
