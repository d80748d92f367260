// Package service provides the Start/Stop/Quit lifecycle embedded by
// mesh.Service (Connection and Peer do not embed it), in the shape of
// the teacher's service.BaseService: a concrete type embedders compose
// with, overriding OnStart/OnStop.
package service

import (
	"fmt"
	"sync/atomic"

	"github.com/contestmesh/rpcd/libs/log"
)

// Impl is implemented by the type embedding BaseService, mirroring the
// teacher's pattern of passing "self" into NewBaseService so the base
// can invoke the concrete OnStart/OnStop hooks.
type Impl interface {
	OnStart() error
	OnStop()
}

// BaseService implements the common start/stop bookkeeping so
// concrete types only need to supply OnStart/OnStop.
type BaseService struct {
	Logger  log.Logger
	name    string
	started atomic.Bool
	stopped atomic.Bool
	quit    chan struct{}
	impl    Impl
}

// NewBaseService constructs a BaseService for impl, named name, logging
// through logger (log.Nop() if nil).
func NewBaseService(logger log.Logger, name string, impl Impl) *BaseService {
	if logger == nil {
		logger = log.Nop()
	}
	return &BaseService{
		Logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start transitions the service from not-started to running, invoking
// the concrete OnStart. Calling Start twice is an error.
func (bs *BaseService) Start() error {
	if !bs.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already started", bs.name)
	}
	if err := bs.impl.OnStart(); err != nil {
		bs.started.Store(false)
		return err
	}
	return nil
}

// Stop transitions the service to stopped exactly once, invoking the
// concrete OnStop and closing Quit(). Safe to call multiple times.
func (bs *BaseService) Stop() error {
	if !bs.stopped.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already stopped", bs.name)
	}
	bs.impl.OnStop()
	close(bs.quit)
	return nil
}

// IsRunning reports whether Start has succeeded and Stop has not yet
// been called.
func (bs *BaseService) IsRunning() bool {
	return bs.started.Load() && !bs.stopped.Load()
}

// Quit returns a channel that is closed once Stop has run.
func (bs *BaseService) Quit() <-chan struct{} {
	return bs.quit
}

// String returns the service name, matching the teacher's
// Peer.String()-style identification in logs.
func (bs *BaseService) String() string {
	return bs.name
}
