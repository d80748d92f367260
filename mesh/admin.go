package mesh

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/contestmesh/rpcd/libs/log"
)

// AdminServer exposes introspection over HTTP: Prometheus scraping at
// /metrics, a JSON count of outstanding pending requests at
// /debug/pending, and a websocket event stream at /debug/events for
// watching dispatch activity live. This is ambient operational
// surface, not a runtime component the wire protocol in spec.md §6
// describes — grounded on the teacher's RPC/HTTP service pattern
// (rpc/jsonrpc + rpcserver) generalized to the pack's gorilla/websocket
// and rs/cors stack.
type AdminServer struct {
	logger  log.Logger
	pending *PendingRequests

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*adminSub]struct{}
}

type adminSub struct {
	conn *websocket.Conn
	send chan AdminEvent
}

// AdminEvent is one line of the /debug/events stream.
type AdminEvent struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// NewAdminServer constructs an AdminServer backed by pending for the
// /debug/pending count.
func NewAdminServer(logger log.Logger, pending *PendingRequests) *AdminServer {
	return &AdminServer{
		logger:  logger,
		pending: pending,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[*adminSub]struct{}),
	}
}

// Handler returns the CORS-wrapped http.Handler serving every admin
// route, ready to be passed to http.Serve or (*http.Server).Handler.
func (a *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pending", a.handlePending)
	mux.HandleFunc("/debug/events", a.handleEvents)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}

func (a *AdminServer) handlePending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"outstanding": a.pending.Len(),
	})
}

func (a *AdminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warning("admin websocket upgrade failed", "err", err)
		return
	}
	sub := &adminSub{conn: conn, send: make(chan AdminEvent, 32)}
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.subs, sub)
		a.mu.Unlock()
		_ = conn.Close()
	}()

	for ev := range sub.send {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// Publish fans an event out to every connected /debug/events
// subscriber, dropping it for any subscriber whose send buffer is
// full rather than blocking the caller (a slow viewer must not stall
// dispatch).
func (a *AdminServer) Publish(kind, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev := AdminEvent{Time: time.Now(), Kind: kind, Detail: detail}
	for sub := range a.subs {
		select {
		case sub.send <- ev:
		default:
		}
	}
}
