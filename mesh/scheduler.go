package mesh

import (
	"container/heap"
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contestmesh/rpcd/libs/log"
)

// maxSleep bounds how long a tick may block waiting for the next
// event, per spec.md §4.6 step 4.
const maxSleep = 500 * time.Millisecond

// timerEntry is one row of the min-heap described in spec.md §4.6: a
// periodic (or one-shot) callback keyed by its next fire time.
type timerEntry struct {
	nextFire time.Time
	period   time.Duration
	fn       func(any) bool
	hasCtx   bool
	ctx      any
	seq      uint64 // insertion order, breaks deadline ties per spec.md §5
	index    int    // maintained by container/heap
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].nextFire.Equal(h[j].nextFire) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextFire.Before(h[j].nextFire)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the single cooperative event loop of spec.md §4.6: one
// goroutine runs runReconnectSweep, drains due timers (spawning one
// goroutine per fire, per spec.md §9's "preserve spawn-per-fire"
// note), and waits for the next event or the clamped sleep interval.
// It is the only goroutine in the process allowed to touch Dispatcher
// and Service registration state, realizing spec.md §5's single
// logical thread of control.
type Scheduler struct {
	logger  log.Logger
	metrics *Metrics

	mu          sync.Mutex
	timers      timerHeap
	timerSeq    uint64
	reconnect   []*Peer
	exitRequest bool

	events chan func()
	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// NewScheduler constructs an idle Scheduler. Call Run to start it.
func NewScheduler(logger log.Logger) *Scheduler {
	gctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(gctx)
	return &Scheduler{
		logger:  logger,
		metrics: NopMetrics(),
		events:  make(chan func(), 256),
		group:   group,
		gctx:    gctx,
		cancel:  cancel,
	}
}

// SetMetrics installs the Metrics collectors this Scheduler reports
// timer and reconnect activity to. Pass nil to fall back to NopMetrics.
func (s *Scheduler) SetMetrics(m *Metrics) {
	if m == nil {
		m = NopMetrics()
	}
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Deliver hands dispatch work to the loop goroutine, per spec.md §5's
// single-consumer model; Peer.onFrame uses this as its deliver func.
func (s *Scheduler) Deliver(work func()) {
	select {
	case s.events <- work:
	case <-s.gctx.Done():
	}
}

// Spawn runs fn under the Scheduler's supervision group: a panic or
// returned error is observed by Run instead of silently vanishing,
// per spec.md §9's UnhandledLoopException row realized via
// golang.org/x/sync/errgroup.
func (s *Scheduler) Spawn(fn func() error) {
	s.group.Go(fn)
}

// RegisterReconnect adds an outbound Peer to the per-tick reconnect
// sweep (spec.md §4.3's reconnect policy); inbound-accepted peers must
// never be passed here.
func (s *Scheduler) RegisterReconnect(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnect = append(s.reconnect, p)
}

// AddTimeout registers a timer entry, per spec.md §4.6/§9. fn is
// called with ctx on each fire; if fn returns true the timer
// re-inserts at the ORIGINAL deadline plus period (anchored, not
// drifting); if false, the timer is dropped (one-shot semantics on
// re-registration).
func (s *Scheduler) AddTimeout(period time.Duration, immediately bool, ctx any, hasCtx bool, fn func(any) bool) {
	first := time.Now().Add(period)
	if immediately {
		first = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerSeq++
	heap.Push(&s.timers, &timerEntry{nextFire: first, period: period, fn: fn, ctx: ctx, hasCtx: hasCtx, seq: s.timerSeq})
}

// RequestExit sets the exit flag read at the top of the next tick,
// realizing the `quit` built-in and SIGINT handling of spec.md §4.6/§4.7.
func (s *Scheduler) RequestExit() {
	s.mu.Lock()
	s.exitRequest = true
	s.mu.Unlock()
}

func (s *Scheduler) shouldExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitRequest
}

// Run is the loop body of spec.md §4.6: reconnect sweep, drain due
// timers, compute the clamped sleep, select across events/signal/sleep,
// repeat until exit is requested.
func (s *Scheduler) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		if s.shouldExit() {
			s.cancel()
			return
		}
		if !s.runTick(sigCh) {
			return
		}
	}
}

// runTick is one full iteration of the loop body, mirroring
// GeventLibrary.py's Service.run(): the Python source wraps its entire
// `while not self._exit: self._trigger(...) ...` body in a single
// try/except that logs critical and falls out of the loop on any
// unhandled exception (spec.md §4.6 "Fatal errors", §9's
// UnhandledLoopException row). The recover here covers the reconnect
// sweep and timer drain as well as the select; loop-delivered work is
// run inline through runGuarded, which recovers it itself and ends the
// loop the same way.
func (s *Scheduler) runTick(sigCh chan os.Signal) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Critical("unhandled exception in scheduler loop, exiting", "panic", r)
			ok = false
		}
	}()

	s.runReconnectSweep()
	s.drainDueTimers()

	sleep := s.nextSleep()
	timer := time.NewTimer(sleep)
	select {
	case work := <-s.events:
		timer.Stop()
		if !s.runGuarded(work) {
			return false
		}
	case <-sigCh:
		timer.Stop()
		s.logger.Info("received interrupt, shutting down")
		s.RequestExit()
	case <-timer.C:
	case <-s.gctx.Done():
		timer.Stop()
		s.logger.Critical("supervised goroutine failed, exiting loop")
		return false
	}
	return true
}

// runGuarded invokes a loop-delivered closure, converting a panic into
// the "UnhandledLoopException" critical-log-and-exit row of spec.md §9's
// error table instead of crashing the process. It returns false after a
// recovered panic, which makes runTick end the loop.
func (s *Scheduler) runGuarded(work func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Critical("unhandled exception in loop", "panic", r)
			ok = false
		}
	}()
	work()
	return true
}

func (s *Scheduler) runReconnectSweep() {
	s.mu.Lock()
	peers := append([]*Peer(nil), s.reconnect...)
	metrics := s.metrics
	s.mu.Unlock()
	for _, p := range peers {
		if !p.Connected() {
			metrics.ReconnectAttempt.Inc()
		}
		p.sweepReconnect()
	}
}

func (s *Scheduler) drainDueTimers() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].nextFire.After(now) {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.timers).(*timerEntry)
		metrics := s.metrics
		s.mu.Unlock()
		metrics.TimerFires.Inc()

		s.Spawn(func() error {
			var truthy bool
			if entry.hasCtx {
				truthy = entry.fn(entry.ctx)
			} else {
				truthy = entry.fn(nil)
			}
			if truthy {
				s.mu.Lock()
				s.timerSeq++
				entry.nextFire = entry.nextFire.Add(entry.period)
				entry.seq = s.timerSeq
				heap.Push(&s.timers, entry)
				s.mu.Unlock()
				// Wake the loop so its sleep is recomputed against the
				// re-inserted deadline instead of the previous one.
				s.Deliver(func() {})
			}
			return nil
		})
	}
}

func (s *Scheduler) nextSleep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return maxSleep
	}
	d := time.Until(s.timers[0].nextFire)
	if d < 0 {
		return 0
	}
	if d > maxSleep {
		return maxSleep
	}
	return d
}

// Wait blocks until every supervised goroutine (accept loop, spawned
// timer callbacks) has returned, surfacing the first error if any.
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
