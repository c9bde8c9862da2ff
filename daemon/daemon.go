// Package daemon wires the components together and owns their lifecycles:
// config in, logger up, then bus, auth, registry, queue, schedule, watcher,
// cluster, dispatcher and finally the control-plane server.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"

	"github.com/macrodyne/autod/auth"
	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/cluster"
	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/dispatch"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/internal/httpclient"
	"github.com/macrodyne/autod/logger"
	"github.com/macrodyne/autod/queue"
	"github.com/macrodyne/autod/schedule"
	"github.com/macrodyne/autod/script"
	"github.com/macrodyne/autod/server"
	"github.com/macrodyne/autod/watcher"
)

// Options configures New.
type Options struct {
	Config *config.Config

	// Runtime executes script bodies. Nil selects the built-in dry-run
	// runtime; the embedding product supplies the real engine.
	Runtime queue.Runtime

	// Verbosity from the CLI -v count.
	Verbosity int
}

// Daemon is the assembled product core.
type Daemon struct {
	cfg        *config.Config
	events     *bus.Bus
	auth       *auth.Store
	registry   *script.Registry
	queue      *queue.Queue
	engine     *schedule.Engine
	watch      *watcher.Watcher
	members    *cluster.Membership
	dispatcher *dispatch.Dispatcher
	server     *server.Server
}

// New constructs every component. Nothing runs until Start.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}

	if err := logger.Initialize(logger.Options{
		JSON:       cfg.Log.JSON,
		Dir:        cfg.Log.Dir,
		BufferSize: cfg.Log.Buffer,
		Verbosity:  opts.Verbosity,
	}); err != nil {
		return nil, errors.Wrap(err, "logger initialization failed")
	}

	events := bus.New()
	if ring := logger.Buffer(); ring != nil {
		ring.SetNotify(func(e logger.Entry) {
			events.Publish(bus.TopicLog, e.Level, e)
		})
	}

	authStore, err := auth.NewStore(keyFilePath(cfg), cfg.Auth.Enabled)
	if err != nil {
		return nil, err
	}
	if token, created, err := authStore.Bootstrap(); err != nil {
		return nil, err
	} else if created {
		printBootstrapKey(token)
	}

	registry := script.NewRegistry()

	rt := opts.Runtime
	if rt == nil {
		rt = DryRunRuntime()
	}
	q := queue.New(rt, events, registry, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: time.Duration(cfg.Queue.RetryDelayMs) * time.Millisecond,
		StopGrace:  time.Duration(cfg.Queue.StopGraceMs) * time.Millisecond,
	})

	engine := schedule.New(q, registry)
	registry.SetNotifier(engine)

	watch := watcher.New(cfg.Watch.Dir, cfg.Watch.Extension, scriptEventHandler(registry))

	client := httpclient.New(httpclient.DefaultTimeout)
	members := cluster.New(cluster.Options{
		Enabled:           cfg.Cluster.Enabled,
		NodeID:            cfg.Cluster.NodeID,
		NodeName:          cfg.Cluster.NodeName,
		APIKey:            cfg.Cluster.APIKey,
		SeedNodes:         cfg.Cluster.SeedNodes,
		HeartbeatInterval: time.Duration(cfg.Cluster.HeartbeatIntervalS) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Cluster.HeartbeatTimeoutS) * time.Second,
	}, cluster.NewStatsCollector(q), client, events)

	dispatcher := dispatch.New(members, client, events, cfg.Dispatch, cfg.Cluster.APIKey)

	srv := server.New(server.Options{
		Config:     cfg,
		Registry:   registry,
		Queue:      q,
		Engine:     engine,
		Members:    members,
		Dispatcher: dispatcher,
		Auth:       authStore,
		Events:     events,
		Watcher:    watch,
	})

	return &Daemon{
		cfg:        cfg,
		events:     events,
		auth:       authStore,
		registry:   registry,
		queue:      q,
		engine:     engine,
		watch:      watch,
		members:    members,
		dispatcher: dispatcher,
		server:     srv,
	}, nil
}

// Start brings the daemon up. The control plane starts before cluster
// membership so the advertised port is the one actually bound.
func (d *Daemon) Start() error {
	d.queue.Start()

	if err := d.watch.Start(); err != nil {
		d.queue.Stop()
		return err
	}
	if err := d.server.Start(); err != nil {
		d.watch.Stop()
		d.engine.Stop()
		d.queue.Stop()
		return err
	}

	d.members.SetAdvertisedHost(fmt.Sprintf("%s:%d", advertiseHost(d.cfg.Server.Host), d.server.Port()))
	d.members.Start()

	logger.Infow("Daemon started",
		"port", d.server.Port(),
		"scripts", d.registry.Len(),
		"cluster", d.members.Enabled(),
	)
	return nil
}

// Stop tears the daemon down in reverse dependency order: stop producing
// work first (watcher, schedules), leave the cluster, close the control
// plane, then drain the queue with its grace window.
func (d *Daemon) Stop() {
	d.watch.Stop()
	d.engine.Stop()
	d.members.Stop()
	d.server.Stop()
	d.queue.Stop()
	d.events.Close()
	logger.Cleanup()
}

// Port returns the bound control-plane port.
func (d *Daemon) Port() int { return d.server.Port() }

// scriptEventHandler feeds watcher events into the registry.
func scriptEventHandler(registry *script.Registry) watcher.Handler {
	return func(ev watcher.Event) {
		switch ev.Type {
		case watcher.Removed:
			registry.Remove(ev.Path)
			logger.Infow("Script removed", "path", ev.Path)
		case watcher.Added, watcher.Changed:
			data, err := os.ReadFile(ev.Path)
			if err != nil {
				logger.Warnw("Cannot read script file", "path", ev.Path, "error", err)
				return
			}
			s := registry.Upsert(ev.Path, string(data), ev.ModTime, ev.Size)
			logger.Infow("Script registered",
				"script", s.Name,
				"event", string(ev.Type),
				"scheduled", s.Schedule != nil,
			)
		}
	}
}

// keyFilePath resolves the API key store location: config wins, otherwise
// ~/.autod/keys.json, with the working directory as a last resort.
func keyFilePath(cfg *config.Config) string {
	if cfg.Auth.KeyFile != "" {
		return cfg.Auth.KeyFile
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".autod", "keys.json")
	}
	return "autod-keys.json"
}

// advertiseHost maps a wildcard bind address onto something peers can dial.
func advertiseHost(bind string) string {
	if bind != "" && bind != "0.0.0.0" && bind != "::" {
		return bind
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "127.0.0.1"
}

// printBootstrapKey surfaces the one-time admin token on the console. It is
// never written to the logs.
func printBootstrapKey(token string) {
	pterm.DefaultBox.
		WithTitle("initial admin API key").
		WithTitleTopCenter().
		Println(token)
	pterm.Warning.Println("Store this key now; it will not be shown again.")
}
