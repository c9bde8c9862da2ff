package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

const shutdownTimeout = 5 * time.Second

// Start binds the listener and launches the hub, the stats broadcaster and
// the HTTP serve loop. A port collision falls back to the next free port
// with a warning.
func (s *Server) Start() error {
	host := s.cfg.Server.Host
	port, err := findAvailablePort(host, s.cfg.Server.Port)
	if err != nil {
		return err
	}
	if port != s.cfg.Server.Port {
		logger.Warnw("Configured port busy, using fallback",
			"configured", s.cfg.Server.Port,
			"port", port,
		)
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot bind %s", addr)
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/", s.router())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: corsMiddleware(s.mux),
		// No global write timeout: WebSocket connections are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.run()
	s.wg.Add(1)
	go s.statsBroadcaster()

	useTLS := s.cfg.Auth.TLSCert != "" && s.cfg.Auth.TLSKey != ""
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var serveErr error
		if useTLS {
			serveErr = s.httpServer.ServeTLS(listener, s.cfg.Auth.TLSCert, s.cfg.Auth.TLSKey)
		} else {
			serveErr = s.httpServer.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Errorw("HTTP server failed", "error", serveErr)
		}
	}()

	logger.Infow("Control plane listening",
		"addr", addr,
		"tls", useTLS,
		"auth", s.auth.Enabled(),
	)
	return nil
}

// Stop shuts the control plane down: stop accepting, drop stream clients,
// then halt the hub and broadcaster.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	for _, client := range clients {
		client.close()
		_ = client.conn.Close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warnw("Server goroutines did not stop in time")
	}
	logger.Infow("Control plane stopped")
}
