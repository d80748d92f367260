package mesh

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/contestmesh/rpcd/libs/log"
)

// readBlockSize is the chunk size the read loop requests per syscall,
// per spec.md §4.2.
const readBlockSize = 4096

// Connection owns one TCP socket, a read goroutine (the "cooperative
// read task" of spec.md §4.2) and serializes writes onto it. It never
// touches Dispatcher or handler state directly: every decoded frame is
// handed to onFrame, which the owning Peer wires back onto the
// Scheduler's single event channel so dispatch still runs on one
// logical thread (spec.md §5). Every terminal condition is handed to
// onClosed, which runs on the goroutine that observed it.
type Connection struct {
	SessionID string // uuid, for log correlation only — distinct from the 16-char RPC __id

	conn    net.Conn
	logger  log.Logger
	onFrame func([]byte)
	onClosed func(error)

	writeMu sync.Mutex
	scanner FrameScanner

	metrics   *Metrics
	closeOnce sync.Once
}

// NewConnection wraps conn. The caller must call Start to begin
// reading.
func NewConnection(conn net.Conn, logger log.Logger, onFrame func([]byte), onClosed func(error)) *Connection {
	return &Connection{
		SessionID: uuid.NewString(),
		conn:      conn,
		logger:    logger,
		onFrame:   onFrame,
		onClosed:  onClosed,
		metrics:   NopMetrics(),
	}
}

// SetMetrics installs the Metrics collectors this Connection reports
// frame activity to. Pass nil to fall back to NopMetrics.
func (c *Connection) SetMetrics(m *Metrics) {
	if m == nil {
		m = NopMetrics()
	}
	c.metrics = m
}

// Start spawns the read loop goroutine.
func (c *Connection) Start() {
	go c.readLoop()
}

func (c *Connection) readLoop() {
	buf := make([]byte, readBlockSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, feedErr := c.scanner.Feed(buf[:n])
			for _, f := range frames {
				c.metrics.FramesReceived.Inc()
				c.onFrame(f)
			}
			if feedErr != nil {
				c.logger.Warning("inbox overflow, closing connection", "session", c.SessionID, "err", feedErr)
				c.terminate(feedErr)
				return
			}
		}
		if err != nil {
			c.scanner.Discard()
			c.terminate(err)
			return
		}
	}
}

func (c *Connection) terminate(err error) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		if c.onClosed != nil {
			c.onClosed(err)
		}
	})
}

// Push appends the frame terminator to data and writes it in full,
// serialized against any concurrent Push on this Connection per
// spec.md §4.2. Returns an error (and closes the connection) on
// partial-write stall or write error.
func (c *Connection) Push(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	payload := append(append([]byte(nil), data...), frameTerminator...)
	for len(payload) > 0 {
		n, err := c.conn.Write(payload)
		if err != nil {
			c.terminate(err)
			return errors.Wrap(err, "push: write failed")
		}
		if n == 0 {
			err := errors.New("push: zero-progress write")
			c.terminate(err)
			return err
		}
		payload = payload[n:]
	}
	c.metrics.FramesSent.Inc()
	return nil
}

// Close closes the underlying socket. It never runs onClosed, and once
// Close has run, the read loop's termination does not run it either.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
	return nil
}
