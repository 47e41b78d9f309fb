// Package server exposes the orchestrator's state over HTTP: an HTML grid of
// the (test, revision) cells, a Server-Sent-Events feed of transitions, the
// captured streams of finished runs, and Prometheus metrics.
package server

import (
	"context"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cip999/limmat/internal/config"
	"github.com/cip999/limmat/internal/outcome"
	"github.com/cip999/limmat/internal/resultdb"
	"github.com/cip999/limmat/internal/status"
)

type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:9192"
}

type Server struct {
	config  Config
	tests   []*config.Test
	bus     *status.Bus
	db      *resultdb.Database
	logger  *slog.Logger
	httpSrv *http.Server
}

func New(cfg Config, tests []*config.Test, bus *status.Bus, db *resultdb.Database,
	reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		config: cfg,
		tests:  tests,
		bus:    bus,
		db:     db,
		logger: logger.With(slog.String("component", "server")),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleGrid).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/results/{key}/{stream}", s.handleStream).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// SSE requires no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.bus)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, err := resultdb.ParseKey(vars["key"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stdoutPath, stderrPath, ok := s.db.StreamPaths(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var path string
	switch vars["stream"] {
	case "stdout":
		path = stdoutPath
	case "stderr":
		path = stderrPath
	default:
		http.Error(w, "stream must be stdout or stderr", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

var gridTemplate = template.Must(template.New("grid").Parse(`<!DOCTYPE html>
<html>
<head>
<title>limmat</title>
<style>
body { font-family: monospace; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.3em 0.6em; }
.running { background: #fff3b0; }
.done-success { background: #b6e3b6; }
.done-failure { background: #f3b6b6; }
.done-error, .canceled { background: #ddd; }
</style>
</head>
<body>
<h1>limmat</h1>
<table>
<tr><th>revision</th>{{range .Tests}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr><td>{{.Revision}}</td>{{range .Cells}}<td class="{{.Class}}">{{if .Link}}<a href="{{.Link}}">{{.Label}}</a>{{else}}{{.Label}}{{end}}</td>{{end}}</tr>
{{end}}</table>
<p>live updates: <a href="/events">/events</a> &middot; <a href="/metrics">/metrics</a></p>
</body>
</html>
`))

type gridCell struct {
	Label string
	Class string
	Link  string
}

type gridRow struct {
	Revision string
	Cells    []gridCell
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	cells, revisions := s.bus.Snapshot()
	byKey := make(map[status.CellKey]status.CellEvent, len(cells))
	for _, ev := range cells {
		byKey[ev.CellKey] = ev
	}

	testNames := make([]string, len(s.tests))
	for i, t := range s.tests {
		testNames[i] = t.Name
	}

	rows := make([]gridRow, 0, len(revisions))
	for _, rev := range revisions {
		row := gridRow{Revision: shortRev(rev)}
		for _, name := range testNames {
			ev, ok := byKey[status.CellKey{Test: name, Revision: rev}]
			if !ok {
				row.Cells = append(row.Cells, gridCell{Label: "-"})
				continue
			}
			cell := gridCell{Label: string(ev.State), Class: string(ev.State)}
			if ev.State == status.StateDone && ev.Outcome != nil {
				cell.Label = ev.Outcome.String()
				switch ev.Outcome.Kind {
				case outcome.KindSuccess:
					cell.Class = "done-success"
				case outcome.KindFailure:
					cell.Class = "done-failure"
				default:
					cell.Class = "done-error"
				}
			}
			if ev.ResultKey != "" {
				cell.Link = "/results/" + ev.ResultKey + "/stdout"
			}
			row.Cells = append(row.Cells, cell)
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := gridTemplate.Execute(w, struct {
		Tests []string
		Rows  []gridRow
	}{Tests: testNames, Rows: rows})
	if err != nil {
		s.logger.Warn("render grid", slog.Any("error", err))
	}
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
