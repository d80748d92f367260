package mesh

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRequestsNewIDUniqueness(t *testing.T) {
	p := NewPendingRequests()
	seen := make(map[string]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := p.NewID()
			mu.Lock()
			defer mu.Unlock()
			_, dup := seen[id]
			assert.False(t, dup, "id %s generated twice", id)
			seen[id] = struct{}{}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestPendingRequestCallbackInvokedExactlyOnce(t *testing.T) {
	p := NewPendingRequests()
	calls := 0
	req := &PendingRequest{
		ID: p.NewID(),
		Callback: func(result json.RawMessage, rpcErr string, ctx any) {
			calls++
		},
	}
	p.Insert(req)

	require.True(t, p.Complete(req.ID, []byte(`"ok"`), ""))
	// A second completion attempt (e.g. a racing transport error) must
	// not find the request again since Complete removes it.
	assert.False(t, p.Complete(req.ID, nil, "Transfer interrupted"))
	assert.Equal(t, 1, calls)
}

func TestPendingRequestCallbackOnceEvenIfCompletedTwiceDirectly(t *testing.T) {
	calls := 0
	req := &PendingRequest{
		ID: "x",
		Callback: func(result json.RawMessage, rpcErr string, ctx any) {
			calls++
		},
	}
	req.complete(nil, "first")
	req.complete(nil, "second")
	assert.Equal(t, 1, calls)
}

func TestCompleteAllForPeerAbandonsOnlyOwnedRequests(t *testing.T) {
	p := NewPendingRequests()
	coordA := ServiceCoord{Name: "a", Shard: 0}
	coordB := ServiceCoord{Name: "b", Shard: 0}

	var aErr, bErr string
	reqA := &PendingRequest{ID: p.NewID(), Peer: coordA, Callback: func(_ json.RawMessage, e string, _ any) { aErr = e }}
	reqB := &PendingRequest{ID: p.NewID(), Peer: coordB, Callback: func(_ json.RawMessage, e string, _ any) { bErr = e }}
	p.Insert(reqA)
	p.Insert(reqB)

	p.CompleteAllForPeer(coordA, "Transfer interrupted")

	assert.Equal(t, "Transfer interrupted", aErr)
	assert.Empty(t, bErr)
	assert.Equal(t, 1, p.Len())
}

func TestUnknownIDCompleteReturnsFalse(t *testing.T) {
	p := NewPendingRequests()
	assert.False(t, p.Complete("does-not-exist", nil, ""))
}
