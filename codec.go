package dune

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol magic numbers and the JSON wire-protocol identifier sent during
// the handshake. These are the values the server expects on the wire; they
// are not configurable.
const (
	protocolVersionV04  uint32 = 0x400c2d20
	protocolJSONWireID  uint32 = 0x7e6970c7
	handshakeSuccessMsg        = "SUCCESS"
)

// codecError wraps a fatal framing failure: any read error on a frame's
// header or payload, including a short read. The length prefix itself is
// not validated. It unwraps to the underlying cause so callers can errors.As
// against io.EOF etc.
type codecError struct {
	Err error
}

func (e *codecError) Unwrap() error { return e.Err }
func (e *codecError) Error() string { return e.Err.Error() }

// codec reads and writes framed requests/responses over a single TCP
// connection. It owns no synchronization of its own: the connection core is
// responsible for serializing writes under its write latch and for giving
// the reader task exclusive ownership of reads.
type codec struct {
	r *bufio.Reader
	w io.Writer
}

func newCodec(rw io.ReadWriter) *codec {
	return &codec{r: bufio.NewReader(rw), w: rw}
}

// handshake performs the client->server handshake and returns nil if the
// server replies with "SUCCESS". auth may be nil for no shared secret.
func handshake(rw io.ReadWriter, auth []byte) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], protocolVersionV04)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(auth)))
	binary.LittleEndian.PutUint32(hdr[8:12], protocolJSONWireID)

	if _, err := rw.Write(hdr[:8]); err != nil {
		return &ConnectionError{Message: "writing handshake header", Cause: err}
	}
	if len(auth) > 0 {
		if _, err := rw.Write(auth); err != nil {
			return &ConnectionError{Message: "writing handshake auth", Cause: err}
		}
	}
	if _, err := rw.Write(hdr[8:12]); err != nil {
		return &ConnectionError{Message: "writing handshake protocol id", Cause: err}
	}

	r := bufio.NewReader(rw)
	line, err := r.ReadString(0x00)
	if err != nil {
		return &ConnectionError{Message: "reading handshake reply", Cause: err}
	}
	reply := line[:len(line)-1] // strip trailing NUL

	if reply != handshakeSuccessMsg {
		return &ConnectionError{Message: reply}
	}
	return nil
}

// frame is the decoded (token, payload) pair shared by requests and
// responses: both directions use the same u64le token + u32le length +
// payload shape.
type frame struct {
	Token   uint64
	Payload json.RawMessage
}

// writeFrame writes a single frame. The caller must hold the write latch;
// writeFrame itself performs one write for the token+length header and one
// for the payload, never interleaved with another frame.
func (c *codec) writeFrame(f frame) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.Token)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(f.Payload)))

	if _, err := c.w.Write(hdr[:]); err != nil {
		return &ConnectionError{Message: "writing frame header", Cause: err}
	}
	if len(f.Payload) > 0 {
		if _, err := c.w.Write(f.Payload); err != nil {
			return &ConnectionError{Message: "writing frame payload", Cause: err}
		}
	}
	return nil
}

// readFrame reads the next frame. It must only ever be called from the
// reader task: the read half of the socket has a single owner.
func (c *codec) readFrame() (frame, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return frame{}, &codecError{Err: fmt.Errorf("reading frame header: %w", err)}
	}

	token := binary.LittleEndian.Uint64(hdr[0:8])
	length := binary.LittleEndian.Uint32(hdr[8:12])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return frame{}, &codecError{Err: fmt.Errorf("reading frame payload: %w", err)}
		}
	}

	return frame{Token: token, Payload: payload}, nil
}

// Control payloads recognized by the core. These are sent as the entire
// request payload for a token that already has an open stream.
var (
	continuePayload    = json.RawMessage(`[2]`)
	stopPayload        = json.RawMessage(`[3]`)
	noreplyWaitPayload = json.RawMessage(`[4]`)
)
