// Package session implements the start/stop lifecycle that replaces the
// source's process-wide singletons (spec.md §9 Design Note): everything
// a running proxy needs lives on one Session value, created at start
// and discarded at stop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Polqt/localproxy/auth"
	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/config"
	"github.com/Polqt/localproxy/listener"
	"github.com/Polqt/localproxy/metrics"
	"github.com/Polqt/localproxy/pac"
	"github.com/Polqt/localproxy/processor"
	"github.com/Polqt/localproxy/router"
	"github.com/Polqt/localproxy/upstream"
)

// Session is the interval between Start and Stop during which the
// Config snapshot is frozen and all state it owns is live.
type Session struct {
	Config    *config.Config
	Blacklist *upstream.Blacklist
	Auth      *auth.Authenticator
	Metrics   *metrics.Collector
	Router    *router.Router

	listener    *listener.Listener
	adminServer *http.Server
	cancel      context.CancelFunc
}

// Start loads no config itself (that's config.Load's job); it wires a
// Session from an already-loaded Config and begins serving.
func Start(ctx context.Context, cfg *config.Config) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)

	bl := upstream.NewBlacklist()
	authr := auth.New(cfg)
	col := metrics.NewCollector()

	var evaluator upstream.PacEvaluator
	if cfg.ProxyType == config.KindPAC {
		ev, err := pac.Load(ctx, cfg.PACFileLocation)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("loading PAC script: %w", err)
		}
		evaluator = ev
	}

	sel := upstream.NewSelector(cfg, bl, evaluator)
	r := &router.Router{
		Selector:  sel,
		Blacklist: bl,
		Deps: processor.Deps{
			Config:  cfg,
			Auth:    authr,
			Logger:  slog.Default(),
			Metrics: col,
			Grace:   5 * time.Second,
		},
	}

	s := &Session{
		Config:    cfg,
		Blacklist: bl,
		Auth:      authr,
		Metrics:   col,
		Router:    r,
		cancel:    cancel,
	}

	s.listener = &listener.Listener{
		Port:   cfg.ListenPort,
		Handle: s.handle,
		Logger: slog.Default(),
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.listener.Serve(ctx) }()

	if cfg.AdminPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", col.Handler())
		s.adminServer = &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.AdminPort), Handler: mux}
		go func() { _ = s.adminServer.ListenAndServe() }()
	}

	// Give the listen socket a moment to bind before returning, so
	// callers (and tests) that immediately dial don't race the goroutine.
	select {
	case err := <-serveErr:
		cancel()
		return nil, err
	case <-time.After(20 * time.Millisecond):
	}

	return s, nil
}

// Stop cancels the session context, then closes the listener, discards
// the cached Kerberos client, and shuts down the admin server. Cancelling
// the context ends the accept loop, aborts upstream dials in progress,
// and closes both sockets of every running CONNECT tunnel; a non-CONNECT
// exchange already past its upstream dial is not interrupted and runs to
// completion.
func (s *Session) Stop(ctx context.Context) error {
	s.cancel()
	_ = s.listener.Close()
	s.Auth.Invalidate()
	if s.adminServer != nil {
		_ = s.adminServer.Shutdown(ctx)
	}
	return nil
}

// handle parses one request head and routes it. Every exit path closes
// the connection exactly once.
func (s *Session) handle(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	cc := conn.New(raw)
	head, err := cc.ParseRequestHead()
	if err != nil {
		_ = cc.WriteErrorResponse(400, err.Error())
		return
	}

	if err := s.Router.Route(ctx, cc, head); err != nil {
		slog.Default().Debug("request finished with error", "err", err)
	}
}
