package mesh

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/contestmesh/rpcd/libs/log"
)

// dialTimeout bounds a single outbound connection attempt, so a
// reconnect sweep (spec.md §4.3) stalls the scheduler tick for at most
// this long per unreachable peer.
const dialTimeout = 3 * time.Second

// Peer is the local stub for one remote service, realizing spec.md
// §3/§4.3. It is grounded on the teacher's peerConn/peer split in
// p2p/peer.go: a peer is outbound (we dialed it, eligible for the
// reconnect sweep) or inbound (accepted, coord possibly unknown, never
// auto-reconnected).
type Peer struct {
	mu sync.Mutex

	coord      ServiceCoord // zero value if inbound and coord unknown
	hasCoord   bool
	address    Address
	outbound   bool
	conn       *Connection
	connected  bool
	onConnect  func(ServiceCoord)

	logger   log.Logger
	pending  *PendingRequests
	dispatch *Dispatcher
	metrics  *Metrics
	events   *AdminServer // nil disables the /debug/events feed

	// deliver lets the owning Scheduler observe inbound
	// responses/requests without the Peer depending on the Scheduler
	// type; the Scheduler installs a handler per spec.md §5's
	// single-consumer-loop model.
	deliver func(work func())
}

// newPeer constructs a Peer. deliver is how this peer hands dispatch
// work back to the single loop goroutine (spec.md §5); pass a
// same-goroutine no-op (func(w func()){ w() }) in tests that don't run
// a Scheduler.
func newPeer(coord ServiceCoord, hasCoord bool, address Address, outbound bool, logger log.Logger, pending *PendingRequests, dispatch *Dispatcher, deliver func(func())) *Peer {
	if deliver == nil {
		deliver = func(w func()) { w() }
	}
	return &Peer{
		coord:    coord,
		hasCoord: hasCoord,
		address:  address,
		outbound: outbound,
		logger:   logger,
		pending:  pending,
		dispatch: dispatch,
		metrics:  NopMetrics(),
		deliver:  deliver,
	}
}

// SetMetrics installs the Metrics collectors this Peer and its
// Connection report frame/reconnect activity to. Pass nil to fall
// back to NopMetrics.
func (p *Peer) SetMetrics(m *Metrics) {
	if m == nil {
		m = NopMetrics()
	}
	p.mu.Lock()
	p.metrics = m
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.SetMetrics(m)
	}
}

// SetEvents installs the AdminServer this Peer reports connect/
// disconnect activity to via /debug/events. Pass nil to disable the
// feed for this Peer.
func (p *Peer) SetEvents(a *AdminServer) {
	p.mu.Lock()
	p.events = a
	p.mu.Unlock()
}

// IsOutbound reports whether this Service dialed the peer, matching
// the teacher's IsOutbound (p2p/peer.go).
func (p *Peer) IsOutbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbound
}

// Connected reports the current connection state.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Coord returns the peer's coordinate and whether it is known (inbound
// peers may not know their remote coord until a handshake-equivalent
// call tells them, which this spec does not define).
func (p *Peer) Coord() (ServiceCoord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.coord, p.hasCoord
}

// connect dials the peer if not already connected. Idempotent: a
// connected Peer's connect() is a silent no-op. Failure is swallowed
// (the periodic reconnect sweep will retry), per spec.md §4.3.
func (p *Peer) connect() bool {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return true
	}
	address := p.address
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", address.String(), dialTimeout)
	if err != nil {
		return false
	}
	p.install(conn)
	return true
}

// adoptInbound installs an accepted connection. Inbound peers are
// never reconnected (spec.md §4.3).
func (p *Peer) adoptInbound(conn net.Conn) {
	p.install(conn)
}

// SetOnConnect installs the callback fired exactly once per
// disconnect->connect transition observed by the reconnect sweep,
// per spec.md §4.3/§9.
func (p *Peer) SetOnConnect(fn func(ServiceCoord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = fn
}

// sweepReconnect is the per-tick reconnect operation from spec.md
// §4.3/§4.6, run by the Scheduler only for outbound peers registered
// via Service.ConnectTo.
func (p *Peer) sweepReconnect() {
	if p.Connected() {
		return
	}
	if !p.connect() {
		return
	}
	p.mu.Lock()
	coord, hasCoord, cb := p.coord, p.hasCoord, p.onConnect
	p.mu.Unlock()
	if hasCoord && cb != nil {
		cb(coord)
	}
}

func (p *Peer) install(raw net.Conn) {
	mconn := NewConnection(raw, p.logger, p.onFrame, p.onClosed)
	p.mu.Lock()
	mconn.SetMetrics(p.metrics)
	p.conn = mconn
	p.connected = true
	coord, hasCoord, events := p.coord, p.hasCoord, p.events
	p.mu.Unlock()
	p.metrics.PeersConnected.Inc()
	if events != nil {
		detail := raw.RemoteAddr().String()
		if hasCoord {
			detail = coord.String() + " " + detail
		}
		events.Publish("connect", detail)
	}
	mconn.Start()
}

func (p *Peer) onFrame(frame []byte) {
	// Decode happens on the read goroutine (cheap, side-effect free);
	// the side-effecting part (dispatch, pending-table lookups) is
	// handed to the single loop goroutine.
	env, err := decodeFrame(frame)
	if err != nil {
		p.metrics.FramesDiscarded.Inc()
		p.logger.Warning("discarding malformed frame", "err", err)
		return
	}
	p.deliver(func() { p.processEnvelope(env) })
}

func (p *Peer) onClosed(err error) {
	p.mu.Lock()
	p.connected = false
	p.conn = nil
	coord, hasCoord, events := p.coord, p.hasCoord, p.events
	p.mu.Unlock()
	p.metrics.PeersConnected.Dec()

	if events != nil {
		detail := "unknown peer"
		if hasCoord {
			detail = coord.String()
		}
		if err != nil {
			detail += ": " + err.Error()
		}
		events.Publish("disconnect", detail)
	}

	if hasCoord && p.pending != nil {
		p.pending.CompleteAllForPeer(coord, "Transfer interrupted")
	}
}

// processEnvelope implements spec.md §4.3's process-frame operation:
// inbound calls go to the Dispatcher, responses go to PendingRequests.
func (p *Peer) processEnvelope(env Envelope) {
	if env.IsRequest() {
		resp := p.dispatch.Handle(env)
		if resp.noReply {
			return
		}
		raw, err := encodeResponse(resp.id, resp.data, resp.errMsg)
		if err != nil {
			p.logger.Warning("failed to encode response, dropping reply", "err", err)
			return
		}
		if pushErr := p.push(raw); pushErr != nil {
			p.logger.Warning("failed to push response", "err", pushErr)
		}
		return
	}

	if !env.HasID {
		p.logger.Warning("response without __id field, discarding")
		return
	}
	rpcErr := ""
	if env.Err != nil {
		rpcErr = *env.Err
	}
	if !p.pending.Complete(env.ID, env.Data, rpcErr) {
		p.logger.Warning("no pending request found", "id", env.ID)
	}
}

func (p *Peer) push(data []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return errors.New("push: not connected")
	}
	return conn.Push(data)
}

// Invoke sends an RPC request to this peer, per spec.md §4.3. If not
// connected, one inline dial is attempted; if that also fails, Invoke
// returns false and callback, if any, is NOT invoked (spec.md says the
// boolean result is unspecified on encode/push failure, but here it is
// well defined: false only means "never attempted").
func (p *Peer) Invoke(method string, data any, cb Callback, ctx any) bool {
	if !p.Connected() {
		if !p.connect() {
			return false
		}
	}

	id := p.pending.NewID()
	raw, err := json.Marshal(data)
	if err != nil {
		if cb != nil {
			cb(nil, "Cannot send request of method "+method+" because of encoding error.", ctx)
		}
		return true
	}

	req := &PendingRequest{ID: id, Callback: cb, Ctx: ctx}
	if coord, ok := p.Coord(); ok {
		req.Peer = coord
	}
	p.pending.Insert(req)

	frame, err := encodeRequest(method, raw, id)
	if err != nil {
		p.pending.Remove(id)
		if cb != nil {
			cb(nil, "Cannot send request of method "+method+" because of encoding error.", ctx)
		}
		return true
	}

	if err := p.push(frame); err != nil {
		p.pending.Complete(id, nil, "Transfer interrupted")
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		return true
	}
	return true
}

// InvokeFireAndForget sends a request with no id: no response is
// expected and no PendingRequest is created.
func (p *Peer) InvokeFireAndForget(method string, data any) bool {
	if !p.Connected() {
		if !p.connect() {
			return false
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	frame, err := encodeRequest(method, raw, "")
	if err != nil {
		return false
	}
	return p.push(frame) == nil
}
