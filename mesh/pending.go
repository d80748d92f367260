package mesh

import (
	"crypto/rand"
	"encoding/json"

	"github.com/sasha-s/go-deadlock"
)

// idLength is the fixed length of a request id, per spec.md §3/§4.5.
const idLength = 16

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Callback receives the outcome of a completed PendingRequest: result
// is the decoded __data (nil on error), rpcErr is the __error string
// (empty on success), ctx is whatever opaque value invoke() was given.
type Callback func(result json.RawMessage, rpcErr string, ctx any)

// PendingRequest is an outbound call awaiting a reply, per spec.md §3.
// It is removed from the owning table exactly once, by whichever of
// match/transport-error/cancellation reaches it first.
type PendingRequest struct {
	ID        string
	Callback  Callback
	Ctx       any
	Peer      ServiceCoord // zero value for inbound-accepted peers
	completed bool
}

// complete runs the terminal transition for this request: marked
// completed, result/error passed to the callback, callback invoked at
// most once. The request does not keep result or error. Per spec.md §4.5 this is
// called either with a matched response envelope's fields, or
// synthetically on transport/encode failure.
func (pr *PendingRequest) complete(result json.RawMessage, rpcErr string) {
	if pr.completed {
		return
	}
	pr.completed = true
	if pr.Callback != nil {
		pr.Callback(result, rpcErr, pr.Ctx)
	}
}

// PendingRequests is the process-wide correlation table from spec.md
// §4.5/§9: a single map shared by every Peer in the process, guarded
// by a deadlock-checking mutex in the teacher's style (p2p/peer.go's
// own CMap is a similarly shared, mutex-guarded structure).
type PendingRequests struct {
	mu      deadlock.Mutex
	byID    map[string]*PendingRequest
	metrics *Metrics
}

// NewPendingRequests constructs an empty table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{byID: make(map[string]*PendingRequest), metrics: NopMetrics()}
}

// SetMetrics installs the Metrics collectors this table reports its
// size to. Pass nil to fall back to NopMetrics.
func (p *PendingRequests) SetMetrics(m *Metrics) {
	if m == nil {
		m = NopMetrics()
	}
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// NewID generates a fresh, table-unique 16-character id, re-rolling on
// collision per spec.md §4.5.
func (p *PendingRequests) NewID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		id := randomID()
		if _, exists := p.byID[id]; !exists {
			return id
		}
	}
}

// Insert registers req under req.ID. req.ID must already be unique
// (typically obtained from NewID while still holding the logical
// "reservation", which NewID's loop plus a single Insert call
// satisfies in practice since no other goroutine mutates this table
// outside of it).
func (p *PendingRequests) Insert(req *PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[req.ID] = req
	p.metrics.PendingRequests.Set(float64(len(p.byID)))
}

// Get returns the pending request for id, if any.
func (p *PendingRequests) Get(id string) (*PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byID[id]
	return req, ok
}

// Remove deletes id from the table, if present.
func (p *PendingRequests) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
	p.metrics.PendingRequests.Set(float64(len(p.byID)))
}

// Complete looks up id, removes it, and runs its terminal transition
// with the given result/error. Unknown ids are reported to the caller
// so it can log-and-drop per spec.md §4.3.
func (p *PendingRequests) Complete(id string, result json.RawMessage, rpcErr string) bool {
	p.mu.Lock()
	req, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
	}
	p.metrics.PendingRequests.Set(float64(len(p.byID)))
	p.mu.Unlock()
	if !ok {
		return false
	}
	req.complete(result, rpcErr)
	return true
}

// CompleteAllForPeer abandons every pending request owned by coord
// with the given error, used on peer disconnect (spec.md §9 Open
// issue 1, decided in DESIGN.md to complete with "Transfer
// interrupted" on disconnect as well as on synchronous push failure).
func (p *PendingRequests) CompleteAllForPeer(coord ServiceCoord, rpcErr string) {
	p.mu.Lock()
	var owned []*PendingRequest
	for id, req := range p.byID {
		if req.Peer == coord {
			owned = append(owned, req)
			delete(p.byID, id)
		}
	}
	p.metrics.PendingRequests.Set(float64(len(p.byID)))
	p.mu.Unlock()
	for _, req := range owned {
		req.complete(nil, rpcErr)
	}
}

// Len reports the number of outstanding requests, exposed for the
// admin/metrics surface.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

func randomID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failing is not a recoverable condition
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}
