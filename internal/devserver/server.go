// Package devserver keeps a build session current while files change. It
// batches change events, runs one rebuild at a time, serves the last good
// build from memory and pushes hot updates to connected browsers.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/conneroisu/bundlr/internal/config"
	"github.com/conneroisu/bundlr/internal/emit"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/hmr"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/metrics"
	"github.com/conneroisu/bundlr/internal/plugins/builtin"
	"github.com/conneroisu/bundlr/internal/session"
	"github.com/conneroisu/bundlr/internal/watcher"
)

// Routes served next to the build output.
const (
	WebSocketPath = "/__bundlr/ws"
	ClientPath    = "/__bundlr/client.js"
	StatusPath    = "/__bundlr/status"
	OverlayPath   = "/__bundlr/overlay"
	MetricsPath   = "/metrics"
)

const (
	defaultQueueLimit = 16
	intakeBuffer      = 1024
	shutdownTimeout   = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Session *session.Session
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// Watcher, when set, feeds change events to the server.
	Watcher *watcher.FileWatcher
	// QueueLimit bounds the change batches waiting for the builder.
	QueueLimit int
}

// Server is the incremental dev server.
type Server struct {
	cfg     *config.Config
	session *session.Session
	logger  logging.Logger
	metrics *metrics.Metrics
	watcher *watcher.FileWatcher

	hub     *Hub
	queue   *Queue
	changes chan graph.Change
	errors  *bundlrerrors.ErrorCollector
	handler http.Handler

	mutex      sync.RWMutex
	state      State
	generation uint64
	good       *snapshot
	failure    *bundlrerrors.BuildError

	startOnce sync.Once
	wg        sync.WaitGroup
}

// snapshot is the output of one successful build, as served.
type snapshot struct {
	generation uint64
	files      map[string][]byte
	manifest   *emit.Manifest
}

// New creates a server. Nothing runs until Start or ListenAndServe.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("devserver: config is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("devserver: session is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	limit := opts.QueueLimit
	if limit <= 0 {
		limit = defaultQueueLimit
	}

	s := &Server{
		cfg:     opts.Config,
		session: opts.Session,
		logger:  logger.WithComponent("devserver"),
		metrics: opts.Metrics,
		watcher: opts.Watcher,
		queue:   NewQueue(limit),
		changes: make(chan graph.Change, intakeBuffer),
		errors:  bundlrerrors.NewErrorCollector(),
	}
	s.hub = NewHub(s, HubOptions{
		AllowedOrigins: originPatterns(opts.Config.Server.AllowedOrigins),
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	s.handler = s.routes()
	return s, nil
}

// Handler serves the build output and the dev server endpoints.
func (s *Server) Handler() http.Handler { return s.handler }

// Start runs the initial build and starts the rebuild loop. It returns
// after the initial build; a failure is reported to clients rather than
// returned. Calls after the first do nothing.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.rebuild(ctx, nil)
		s.wg.Add(2)
		go s.collect(ctx)
		go s.build(ctx)
		if s.watcher != nil {
			s.watcher.Start(ctx)
			s.wg.Add(1)
			go s.forward(ctx)
		}
	})
}

// Notify hands change events to the server. It blocks only while the
// intake buffer is full.
func (s *Server) Notify(ctx context.Context, changes ...graph.Change) error {
	for _, c := range changes {
		select {
		case s.changes <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListenAndServe serves on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String()
	s.logger.Info(ctx, "dev server listening", "url", url, "hot", s.cfg.Server.Hot)
	s.Start(ctx)
	if s.cfg.Server.Open {
		go openBrowser(ctx, url, s.logger)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), s.Shutdown(shutdownCtx))
}

// Shutdown closes every client and waits for the rebuild loop, which
// stops when the context passed to Start is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.hub.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	if s.watcher != nil {
		err = errors.Join(err, s.watcher.Stop())
	}
	return err
}

// Status is the dev server state reported on the status endpoint.
type Status struct {
	State      State                     `json:"state"`
	Generation uint64                    `json:"generation"`
	Serving    uint64                    `json:"serving"`
	Errors     []bundlrerrors.Diagnostic `json:"errors,omitempty"`
	Warnings   []bundlrerrors.Diagnostic `json:"warnings,omitempty"`
	Clients    int                       `json:"clients"`
	Queued     int                       `json:"queued"`
}

// Status reports the current state.
func (s *Server) Status() Status {
	s.mutex.RLock()
	st := Status{State: s.state, Generation: s.generation}
	if s.good != nil {
		st.Serving = s.good.generation
	}
	if s.failure != nil {
		st.Errors = s.failure.Diagnostics()
	}
	s.mutex.RUnlock()
	for _, e := range s.errors.Entries() {
		if e.Warning {
			st.Warnings = append(st.Warnings, e.Diagnostic)
		}
	}
	st.Clients = s.hub.Clients()
	st.Queued = s.queue.Len()
	return st
}

// Hello implements Responder.
func (s *Server) Hello() hmr.Message {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return hmr.Hello(s.generation, s.state.String())
}

// Respond implements Responder.
func (s *Server) Respond(msg hmr.Message) hmr.Message {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	switch msg.Type {
	case hmr.TypeRequestManifest:
		if s.good == nil {
			return hmr.ManifestOf(s.generation, &emit.Manifest{Chunks: map[string]emit.ManifestChunk{}})
		}
		return hmr.ManifestOf(s.good.generation, s.good.manifest)
	default:
		return hmr.Pong(s.generation)
	}
}

// collect debounces change events into batches for the builder.
func (s *Server) collect(ctx context.Context) {
	defer s.wg.Done()

	var pending []graph.Change
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.changes:
			pending = append(pending, c)
			timer.Reset(s.cfg.Watch.Debounce)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := NewBatch(pending...)
			pending = nil
			dropped := s.queue.Push(batch)
			s.metrics.RecordBatch(dropped > 0)
			s.logger.Debug(ctx, "queued changes", "paths", batch.Len(), "superseded", dropped)
		}
	}
}

// build is the single consumer of the queue; rebuilds never overlap.
func (s *Server) build(ctx context.Context) {
	defer s.wg.Done()
	for {
		batch, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		s.rebuild(ctx, &batch)
	}
}

func (s *Server) forward(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			if err := s.Notify(ctx, ev.Change()); err != nil {
				return
			}
		}
	}
}

// rebuild runs one build. A nil batch means a cold build.
func (s *Server) rebuild(ctx context.Context, batch *Batch) {
	s.mutex.Lock()
	s.state = StateBuilding
	s.mutex.Unlock()

	var (
		out *session.Outcome
		err error
	)
	if batch == nil {
		out, err = s.session.Build(ctx)
	} else {
		out, err = s.session.Rebuild(ctx, batch.Changes)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.fail(ctx, err)
		return
	}

	snap, err := s.snapshot(out)
	if err != nil {
		s.fail(ctx, bundlrerrors.NewBuildError(uint64(out.Generation), &bundlrerrors.EmitError{Chunk: s.cfg.HTML.Filename, Cause: err}))
		return
	}
	s.errors.Clear()
	for _, w := range out.Graph.CycleWarnings() {
		s.errors.AddWarning(w)
	}
	s.mutex.Lock()
	s.state = StateReady
	s.generation = snap.generation
	s.good = snap
	s.failure = nil
	s.mutex.Unlock()

	msg := hmr.Plan(out.Graph, out.Affected, out.Result.ChangedChunks, s.cfg.Server.Hot)
	s.logger.Info(ctx, "build ready", "generation", snap.generation, "update", msg.Type, "chunks", msg.ChangedChunks, "reason", msg.Reason)
	if err := s.hub.Broadcast(msg); err != nil {
		s.logger.Warn(ctx, err, "failed to broadcast update")
	}
}

// fail records a failed build and reports it once. The last good snapshot
// keeps being served.
func (s *Server) fail(ctx context.Context, err error) {
	var be *bundlrerrors.BuildError
	if !errors.As(err, &be) {
		be = bundlrerrors.NewBuildError(uint64(s.session.Generation()), err)
	}

	s.errors.Clear()
	s.errors.AddError(be)
	s.mutex.Lock()
	s.state = StateFailed
	s.generation = be.Generation
	s.failure = be
	s.mutex.Unlock()

	s.logger.Error(ctx, be.Primary(), "build failed", "generation", be.Generation, "errors", len(be.Errors))
	if err := s.hub.Broadcast(hmr.BuildFailed(be)); err != nil {
		s.logger.Warn(ctx, err, "failed to broadcast build error")
	}
}

// snapshot copies the outcome's artifacts for serving and injects the
// client script into the html page.
func (s *Server) snapshot(out *session.Outcome) (*snapshot, error) {
	snap := &snapshot{
		generation: uint64(out.Generation),
		files:      make(map[string][]byte, len(out.Result.Artifacts)),
		manifest:   out.Result.Manifest,
	}
	for _, a := range out.Result.Artifacts {
		data := a.Data
		if a.FileName == s.cfg.HTML.Filename {
			injected, err := builtin.InjectTags(data, nil, []string{ClientPath})
			if err != nil {
				return nil, err
			}
			data = injected
		}
		snap.files[a.FileName] = data
	}
	return snap, nil
}

func openBrowser(ctx context.Context, url string, logger logging.Logger) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	default:
		logger.Warn(ctx, fmt.Errorf("unsupported platform %s", runtime.GOOS), "cannot open browser")
		return
	}
	if err := cmd.Start(); err != nil {
		logger.Warn(ctx, err, "failed to open browser", "url", url)
		return
	}
	go func() { _ = cmd.Wait() }()
}
