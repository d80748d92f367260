package mesh

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/contestmesh/rpcd/libs/log"
	"github.com/contestmesh/rpcd/libs/service"
)

// Service is the top-level object of spec.md §2 item 8: it composes a
// Scheduler, a Dispatcher, the peer set, and an optional listening
// socket, and is the container registered handlers belong to.
// Grounded on the teacher's top-level `p2p.Switch`, trimmed to this
// runtime's scope (no peer exchange, no rate limiting). Embeds
// BaseService for the Start/Stop lifecycle the teacher gives every
// long-lived component; Run/Exit remain the blocking entry point
// spec.md §4.6 describes, implemented on top of Start/Stop.
type Service struct {
	*service.BaseService

	Coord     ServiceCoord
	logger    log.Logger
	directory Directory

	scheduler *Scheduler
	dispatch  *Dispatcher
	pending   *PendingRequests
	metrics   *Metrics

	mu            sync.Mutex
	peersByCoord  map[ServiceCoord]*Peer
	onConnectByCo map[ServiceCoord]func(ServiceCoord)
	listener      net.Listener
	admin         *AdminServer
}

// NewService constructs a Service bound to coord, resolving its own
// listen address through dir. If resolution fails, the Service starts
// without a listener and can still dial out, per spec.md §6's Caller
// policy row. The built-in `echo` and `quit` handlers are registered
// immediately, per spec.md §4.7.
func NewService(coord ServiceCoord, dir Directory, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		Coord:         coord,
		logger:        logger,
		directory:     dir,
		scheduler:     NewScheduler(logger),
		pending:       NewPendingRequests(),
		metrics:       NopMetrics(),
		peersByCoord:  make(map[ServiceCoord]*Peer),
		onConnectByCo: make(map[ServiceCoord]func(ServiceCoord)),
	}
	s.dispatch = NewDispatcher(logger)
	s.admin = NewAdminServer(logger, s.pending)
	s.dispatch.SetEvents(s.admin)
	s.registerBuiltins()
	s.BaseService = service.NewBaseService(logger, "Service("+coord.String()+")", s)
	return s
}

// OnStart implements service.Impl: starts the listener, if resolvable.
func (s *Service) OnStart() error {
	return s.Listen()
}

// OnStop implements service.Impl: requests scheduler exit and closes
// the listener.
func (s *Service) OnStop() {
	s.scheduler.RequestExit()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// UseMetrics installs m as this Service's Metrics, propagating it to
// the Dispatcher, PendingRequests table, and Scheduler. Every Peer
// created afterwards (via ConnectTo or an accepted inbound
// connection) inherits the same Metrics.
func (s *Service) UseMetrics(m *Metrics) {
	s.metrics = m
	s.dispatch.SetMetrics(m)
	s.pending.SetMetrics(m)
	s.scheduler.SetMetrics(m)
}

func (s *Service) registerBuiltins() {
	s.RegisterMethod("echo", echoArgs{}.handle, true, false)
	s.RegisterMethod("quit", quitArgs{}.handle(s), true, false)
}

type echoArgs struct {
	String string `rpc:"string"`
}

func (echoArgs) handle(a echoArgs) string { return a.String }

type quitArgs struct {
	Reason string `rpc:"reason"`
}

// handle returns a bound closure so the built-in can reach the owning
// Service without a package-level global, matching spec.md §4.7's
// `quit(reason="") -> none` exactly, including the required log line.
func (quitArgs) handle(s *Service) func(quitArgs) {
	return func(a quitArgs) {
		s.logger.Info("Trying to exit as asked by another service (" + a.Reason + ").")
		s.Exit()
	}
}

// RegisterMethod adds a handler to the dispatch table, realizing
// spec.md §4.7's declarative `exposed`/`threaded` capability marker as
// an explicit builder call rather than attribute/decorator magic (the
// redesign spec.md §9 explicitly calls for). handler's shape is not
// checked here; mesh/dispatch.go calls it via reflection, and a call
// that does not fit the shape panics and is reported as a handler error.
func (s *Service) RegisterMethod(name string, handler any, exposed, threaded bool) {
	s.dispatch.Register(name, handler, exposed, threaded)
}

// ConnectTo registers an outbound Peer for coord, resolving its
// address through the Directory. Resolution failure is fatal to
// creating this Peer, per spec.md §6's Caller policy row. The
// returned Peer is also registered with the Scheduler's reconnect
// sweep (spec.md §4.3).
func (s *Service) ConnectTo(coord ServiceCoord) (*Peer, error) {
	addr, err := s.directory.Resolve(coord)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving outbound peer %s", coord)
	}

	p := newPeer(coord, true, addr, true, s.logger, s.pending, s.dispatch, s.scheduler.Deliver)
	p.SetMetrics(s.metrics)
	p.SetEvents(s.admin)
	s.mu.Lock()
	s.peersByCoord[coord] = p
	s.mu.Unlock()
	s.scheduler.RegisterReconnect(p)
	p.connect()
	return p, nil
}

// OnConnect registers a callback fired once per connect event for the
// outbound Peer identified by coord, per spec.md §4.3's reconnect
// policy. Must be called after ConnectTo.
func (s *Service) OnConnect(coord ServiceCoord, fn func(ServiceCoord)) {
	s.mu.Lock()
	p, ok := s.peersByCoord[coord]
	s.mu.Unlock()
	if !ok {
		return
	}
	p.SetOnConnect(fn)
}

// Peer returns the outbound Peer registered for coord via ConnectTo, if
// any. Inbound-accepted peers are not tracked here.
func (s *Service) Peer(coord ServiceCoord) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peersByCoord[coord]
	return p, ok
}

// AddTimeout registers a periodic (or one-shot) timer on the
// Scheduler, per spec.md §4.6. fn's boolean return controls
// re-registration: true re-inserts at period, false stops it.
func (s *Service) AddTimeout(period time.Duration, immediately bool, fn func() bool) {
	s.scheduler.AddTimeout(period, immediately, nil, false, func(any) bool { return fn() })
}

// AddTimeoutWithContext is AddTimeout's variant for spec.md §3's
// `(next_fire_time, period, func, context)` timer entry when a
// context value is needed by the callback.
func (s *Service) AddTimeoutWithContext(period time.Duration, immediately bool, ctx any, fn func(any) bool) {
	s.scheduler.AddTimeout(period, immediately, ctx, true, fn)
}

// Listen starts accepting inbound connections on the address resolved
// for s.Coord. Per spec.md §6's Caller policy, a resolution failure
// here is non-fatal to the Service: it simply runs without a listener.
func (s *Service) Listen() error {
	addr, err := s.directory.Resolve(s.Coord)
	if err != nil {
		s.logger.Warning("no listen address resolved for own coord, running dial-out only", "coord", s.Coord.String(), "err", err)
		return nil
	}
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = ln
	s.scheduler.Spawn(func() error {
		return s.acceptLoop(ln)
	})
	return nil
}

func (s *Service) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.scheduler.gctx.Done():
				return nil
			default:
			}
			s.logger.Warning("accept failed", "err", err)
			return err
		}
		p := newPeer(ServiceCoord{}, false, Address{}, false, s.logger, s.pending, s.dispatch, s.scheduler.Deliver)
		p.SetMetrics(s.metrics)
		p.SetEvents(s.admin)
		p.adoptInbound(conn)
	}
}

// Run starts the listener (if resolvable) via the BaseService
// lifecycle and blocks on the Scheduler's event loop until Exit is
// called or SIGINT is received, per spec.md §4.6 step 6 ("stop the
// server socket and return").
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.scheduler.Run()
	if err := s.Stop(); err != nil {
		return err
	}
	return s.scheduler.Wait()
}

// Exit requests loop termination, realizing the `exit-requested` flag
// of spec.md §3/§4.6.
func (s *Service) Exit() {
	s.scheduler.RequestExit()
}

// ServeAdmin starts the introspection HTTP server (spec.md §6's
// ambient admin surface) on addr in its own goroutine, supervised by
// the Scheduler's errgroup so a crash is observed by Run. The
// AdminServer itself (and its /debug/events feed) is already live the
// moment the Service is constructed; this only exposes it over HTTP.
func (s *Service) ServeAdmin(addr string) {
	srv := &http.Server{Addr: addr, Handler: s.admin.Handler()}
	// Close the server once the loop ends so Run's Wait can return.
	s.scheduler.Spawn(func() error {
		<-s.scheduler.gctx.Done()
		return srv.Close()
	})
	s.scheduler.Spawn(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "admin server")
		}
		return nil
	})
}
