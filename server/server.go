// Package server is the control plane: REST routes, the live event stream
// and the auth gate, all on one HTTP(S) listener.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/macrodyne/autod/auth"
	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/cluster"
	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/dispatch"
	"github.com/macrodyne/autod/queue"
	"github.com/macrodyne/autod/schedule"
	"github.com/macrodyne/autod/script"
	"github.com/macrodyne/autod/watcher"
)

// MaxClients bounds concurrent stream connections.
const MaxClients = 64

// statsInterval is how often the stats event is published for stream
// subscribers.
const statsInterval = 5 * time.Second

// Options wires the server to the rest of the daemon.
type Options struct {
	Config     *config.Config
	Registry   *script.Registry
	Queue      *queue.Queue
	Engine     *schedule.Engine
	Members    *cluster.Membership
	Dispatcher *dispatch.Dispatcher
	Auth       *auth.Store
	Events     *bus.Bus
	Watcher    *watcher.Watcher
}

// Server owns the HTTP listener and the WebSocket hub.
type Server struct {
	cfg        *config.Config
	registry   *script.Registry
	queue      *queue.Queue
	engine     *schedule.Engine
	members    *cluster.Membership
	dispatcher *dispatch.Dispatcher
	auth       *auth.Store
	events     *bus.Bus
	watcher    *watcher.Watcher

	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	httpServer *http.Server
	mux        *http.ServeMux
	port       int
	started    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server from its wired dependencies.
func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        opts.Config,
		registry:   opts.Registry,
		queue:      opts.Queue,
		engine:     opts.Engine,
		members:    opts.Members,
		dispatcher: opts.Dispatcher,
		auth:       opts.Auth,
		events:     opts.Events,
		watcher:    opts.Watcher,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		started:    time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Port returns the port actually bound, which may differ from the configured
// one after a collision fallback.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// run is the hub event loop: client registration plus bus fan-out.
func (s *Server) run() {
	defer s.wg.Done()

	sub := s.events.Subscribe(bus.DefaultQueueSize)
	defer sub.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		}
	}
}
