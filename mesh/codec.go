package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// frameTerminator is the two-byte sequence that ends every frame on
// the wire, per spec.md §4.1.
const frameTerminator = "\r\n"

// maxInboxBytes is the soft upper bound on accumulated-but-unterminated
// bytes in a connection's inbox before it is considered abusive and
// the connection is closed (spec.md §9 Open issue 3; §4.1 requires
// accepting at least 64 KiB, this repo picks the 16 MiB spec.md itself
// suggests as an example limit).
const maxInboxBytes = 16 * 1024 * 1024

// minInboxAccept is the minimum single-frame size every implementation
// must accept per spec.md §4.1.
const minInboxAccept = 64 * 1024

var _ = minInboxAccept // documented floor; enforced by not rejecting below maxInboxBytes

// wireRequest is the exact on-the-wire shape of a request envelope.
type wireRequest struct {
	Method string          `json:"__method"`
	Data   json.RawMessage `json:"__data"`
	ID     string          `json:"__id,omitempty"`
}

// wireResponse is the exact on-the-wire shape of a response envelope.
// ID is omitted only when the originating request had none (spec.md
// §3); Data and Error are always present, serialized as JSON null
// when absent, matching GeventLibrary.py's
// `{"__data": None, "__error": None}` baseline response dict.
type wireResponse struct {
	ID    string          `json:"__id,omitempty"`
	Data  json.RawMessage `json:"__data"`
	Error *string         `json:"__error"`
}

// rawEnvelope is used only to classify and decode an inbound frame: Data
// is a RawMessage that stays nil when __data is absent and holds "null"
// when it is present as null, which the Dispatcher's MalformedRequest
// check depends on; Method/ID/Error are pointers so absence is visible.
type rawEnvelope struct {
	Method *string         `json:"__method,omitempty"`
	Data   json.RawMessage `json:"__data,omitempty"`
	ID     *string         `json:"__id,omitempty"`
	Error  *string         `json:"__error,omitempty"`
}

// encodeRequest renders a request frame (without the terminator).
func encodeRequest(method string, data json.RawMessage, id string) ([]byte, error) {
	if data == nil {
		data = json.RawMessage("null")
	}
	return json.Marshal(wireRequest{Method: method, Data: data, ID: id})
}

// encodeResponse renders a response frame (without the terminator).
func encodeResponse(id string, data json.RawMessage, errMsg *string) ([]byte, error) {
	if errMsg != nil {
		data = json.RawMessage("null")
	} else if data == nil {
		data = json.RawMessage("null")
	}
	return json.Marshal(wireResponse{ID: id, Data: data, Error: errMsg})
}

// decodeFrame parses one complete frame (terminator already stripped)
// into an Envelope. Decode failures are returned to the caller, who
// per spec.md §4.1 must log and discard rather than close the
// connection.
func decodeFrame(frame []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decoding frame: %w", err)
	}
	env := Envelope{Method: raw.Method, Data: raw.Data, Err: raw.Error}
	if raw.ID != nil {
		env.ID = *raw.ID
		env.HasID = true
	}
	return env, nil
}

// FrameScanner accumulates bytes from a stream and yields complete
// \r\n-terminated frames, per spec.md §4.1's framing round-trip
// property: it carries a trailing, unterminated remainder across
// Feed calls and discards it on EOF rather than yielding it.
type FrameScanner struct {
	inbox []byte
}

// ErrInboxOverflow is returned by Feed when the accumulated,
// unterminated inbox exceeds maxInboxBytes.
var ErrInboxOverflow = fmt.Errorf("mesh: inbox exceeds %d bytes without a frame terminator", maxInboxBytes)

// Feed appends buf to the inbox and returns every complete frame it
// now contains, in arrival order. The unterminated remainder (if any)
// is kept for the next call.
func (s *FrameScanner) Feed(buf []byte) ([][]byte, error) {
	s.inbox = append(s.inbox, buf...)

	var frames [][]byte
	for {
		idx := bytes.Index(s.inbox, []byte(frameTerminator))
		if idx < 0 {
			break
		}
		frames = append(frames, s.inbox[:idx])
		s.inbox = s.inbox[idx+len(frameTerminator):]
	}
	if len(s.inbox) > maxInboxBytes {
		return frames, ErrInboxOverflow
	}
	return frames, nil
}

// Discard drops any unterminated remainder, used on EOF per spec.md
// §4.1 ("EOF with a non-empty remainder discards the remainder").
func (s *FrameScanner) Discard() {
	s.inbox = nil
}
