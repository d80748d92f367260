package mesh

import "encoding/json"

// Envelope is the logical, in-memory shape of a decoded frame, per
// spec.md §3. A request carries Method/Data/ID (ID empty for a
// fire-and-forget call); a response carries ID/Data/Error. The two
// wire shapes are distinct (see wireRequest/wireResponse in codec.go);
// Envelope is the union used once a frame has been classified.
type Envelope struct {
	Method  *string         // non-nil => this is an inbound method call
	Data    json.RawMessage // nil => __data was absent on the wire; json "null" => explicit null
	ID      string
	HasID   bool
	Err     *string // non-nil => __error was present and not null (nil for a success response's "__error": null)
}

// IsRequest reports whether this envelope carries an inbound method
// call (spec.md §4.3: "if the frame has __method, treat as inbound
// call").
func (e Envelope) IsRequest() bool {
	return e.Method != nil
}
