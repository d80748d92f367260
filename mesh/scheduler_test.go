package mesh

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestmesh/rpcd/libs/log"
)

// scenario 5: Periodic timer — period 0.1s, immediately=true, truthy
// twice then false on the third call: exactly three invocations
// within 0.4s.
func TestSchedulerPeriodicTimerFiresExactCount(t *testing.T) {
	defer leaktest.Check(t)()

	sched := NewScheduler(log.Nop())
	var count int32
	done := make(chan struct{})

	sched.AddTimeout(100*time.Millisecond, true, nil, false, func(any) bool {
		n := atomic.AddInt32(&count, 1)
		if n >= 3 {
			close(done)
			return false
		}
		return true
	})

	go sched.Run()
	select {
	case <-done:
	case <-time.After(400 * time.Millisecond):
		t.Fatal("timer did not fire 3 times within 0.4s")
	}
	sched.RequestExit()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestSchedulerTimerAnchoredToOriginalDeadline(t *testing.T) {
	defer leaktest.Check(t)()

	sched := NewScheduler(log.Nop())
	var fires []time.Time
	var mu sync.Mutex
	done := make(chan struct{})

	sched.AddTimeout(80*time.Millisecond, true, nil, false, func(any) bool {
		mu.Lock()
		fires = append(fires, time.Now())
		n := len(fires)
		mu.Unlock()
		if n >= 3 {
			close(done)
			return false
		}
		return true
	})

	go sched.Run()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire 3 times in time")
	}
	sched.RequestExit()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fires, 3)
	gap := fires[2].Sub(fires[0])
	assert.InDelta(t, 160*time.Millisecond, gap, float64(120*time.Millisecond))
}

// scenario 6: Reconnect — outbound Peer to an initially-closed port
// that opens later transitions to connected and fires on_connect
// exactly once.
func TestReconnectSweepFiresOnConnectExactlyOnce(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close()) // port now closed

	pending := NewPendingRequests()
	dispatch := NewDispatcher(log.Nop())
	coord := ServiceCoord{Name: "peer", Shard: 0}
	p := newPeer(coord, true, Address{Host: "127.0.0.1", Port: uint16(addr.Port)}, true, log.Nop(), pending, dispatch, nil)

	var connectCount int32
	p.SetOnConnect(func(c ServiceCoord) {
		atomic.AddInt32(&connectCount, 1)
	})

	sched := NewScheduler(log.Nop())
	sched.RegisterReconnect(p)
	go sched.Run()
	defer sched.RequestExit()

	// Repeated sweeps against an unreachable port: no connect fires.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&connectCount))

	ln2, err := net.Listen("tcp", addr.String())
	require.NoError(t, err)
	defer ln2.Close()
	go func() {
		for {
			c, err := ln2.Accept()
			if err != nil {
				return
			}
			_ = c
		}
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connectCount) == 1
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&connectCount))

	// Close the peer's socket so its read loop exits before leaktest checks.
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	sched.RequestExit()
	time.Sleep(50 * time.Millisecond)
}
