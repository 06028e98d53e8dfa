// Package devserver serves the output directory with server side includes
// and pushes live-reload notifications to connected browsers.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/kiln/internal/telemetry"
)

// Options configures a Server.
type Options struct {
	// Root is the absolute output directory.
	Root            string
	Host            string
	Port            int
	SSI             bool
	SSIExt          string
	ReloadOnRestart bool
	Collector       *telemetry.Collector
}

// Server is the development HTTP server.
type Server struct {
	opts     Options
	instance string
	hub      *Hub
	includer *Includer
	monitor  *telemetry.Monitor
	client   []byte

	mu  sync.Mutex
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Root == "" {
		return nil, errors.New("devserver: root is required")
	}
	if opts.SSIExt == "" {
		opts.SSIExt = ".html"
	}
	if opts.Collector == nil {
		opts.Collector = telemetry.GetGlobal()
	}
	includer, err := NewIncluder(opts.Root, 256)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		instance: uuid.NewString(),
		hub:      NewHub(),
		includer: includer,
		monitor:  telemetry.NewMonitor(opts.Collector),
		client:   renderClient(opts.ReloadOnRestart),
	}
	s.monitor.RegisterHealthCheck("output", s.outputCheck)
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Instance identifies this server process to reconnecting clients.
func (s *Server) Instance() string { return s.instance }

// Hub returns the notification hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc(eventsPath, s.events)
	mux.HandleFunc("/__kiln/health", s.monitor.HealthHandler)
	mux.HandleFunc("/__kiln/metrics", s.monitor.MetricsHandler)
	mux.HandleFunc("/", s.serveFile)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{Addr: s.Addr(), Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	log.Info().Str("addr", "http://"+s.Addr()).Str("root", s.opts.Root).Msg("Dev server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects live-reload clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

// Notify tells browsers that files were written. When every changed file
// served from the root is a stylesheet the pages swap their stylesheets in
// place, otherwise they reload.
func (s *Server) Notify(files []string) {
	var css []string
	reload := false
	for _, f := range files {
		rel, err := filepath.Rel(s.opts.Root, f)
		if err != nil || !filepath.IsLocal(rel) {
			continue
		}
		web := "/" + filepath.ToSlash(rel)
		switch path.Ext(web) {
		case ".css":
			css = append(css, web)
		case ".map":
		default:
			reload = true
		}
	}
	msg := Message{Type: MsgReload}
	if !reload {
		if len(css) == 0 {
			return
		}
		msg = Message{Type: MsgCSS, Files: css}
	}
	n := s.hub.Broadcast(msg)
	log.Debug().Str("type", msg.Type).Int("clients", n).Msg("Notified browsers")
}

// NotifyError shows a transform error in every connected browser.
func (s *Server) NotifyError(task string, err error) {
	s.hub.Broadcast(Message{Type: MsgError, Task: task, Error: err.Error()})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, ok := s.hub.Subscribe()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.Unsubscribe(ch)
	s.opts.Collector.Gauge("kiln_sse_clients", float64(s.hub.Len()), nil)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	writeEvent(w, Message{Type: MsgHello, Instance: s.instance})
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case m, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, m)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, m Message) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, m.encode())
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := s.serve(w, r)
	labels := map[string]string{"status": strconv.Itoa(status)}
	s.opts.Collector.Counter("kiln_http_requests", 1, labels)
	s.opts.Collector.Timer("kiln_http_request_duration", time.Since(start), labels)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}
	urlPath := path.Clean("/" + r.URL.Path)
	abs := filepath.Join(s.opts.Root, filepath.FromSlash(strings.TrimPrefix(urlPath, "/")))
	info, err := os.Stat(abs)
	if err == nil && info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return http.StatusMovedPermanently
		}
		urlPath = path.Join(urlPath, "index.html")
		abs = filepath.Join(abs, "index.html")
		info, err = os.Stat(abs)
	}
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return http.StatusNotFound
	}

	w.Header().Set("Cache-Control", "no-store")
	ext := path.Ext(urlPath)
	if ext != ".html" && ext != ".htm" && !(s.opts.SSI && ext == s.opts.SSIExt) {
		http.ServeFile(w, r, abs)
		return http.StatusOK
	}

	doc, err := os.ReadFile(abs)
	if err != nil {
		http.Error(w, "read error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	if s.opts.SSI && ext == s.opts.SSIExt {
		doc = s.includer.Expand(doc, urlPath)
	}
	doc = inject(doc, s.client)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	if r.Method == http.MethodHead {
		return http.StatusOK
	}
	_, _ = w.Write(doc)
	return http.StatusOK
}

func (s *Server) outputCheck() telemetry.HealthCheck {
	if info, err := os.Stat(s.opts.Root); err != nil || !info.IsDir() {
		return telemetry.HealthCheck{
			Name:    "output",
			Status:  telemetry.HealthStatusDegraded,
			Message: "output directory missing",
			Details: map[string]string{"root": s.opts.Root},
		}
	}
	return telemetry.HealthCheck{
		Name:    "output",
		Status:  telemetry.HealthStatusHealthy,
		Message: "serving " + s.opts.Root,
		Details: map[string]string{"clients": strconv.Itoa(s.hub.Len()), "fragments": strconv.Itoa(s.includer.Cached())},
	}
}
