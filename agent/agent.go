// Package agent hosts the execution endpoint as an HTTP service: a WebSocket
// session route plus small JSON routes for health and script discovery. It
// also provides the matching HTTP client.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/runwire/runwire/catalog"
	"github.com/runwire/runwire/endpoint"
	"github.com/runwire/runwire/sandbox"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent serves script execution sessions for one scripts directory.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr string
	scriptsDir string
	runner     sandbox.Runner

	httpServer    *http.Server
	sessionServer *endpoint.Server
	scripts       *catalog.Catalog
	listener      net.Listener

	closeOnce sync.Once
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRunner selects how scripts are executed. Defaults to running them
// directly on the host.
func WithRunner(r sandbox.Runner) Option {
	return func(a *Agent) {
		a.runner = r
	}
}

// New builds an agent serving scripts from scriptsDir. The listener is opened
// here, so Addr is valid immediately; Run starts serving on it.
func New(scriptsDir string, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	// Runners need absolute script paths, the docker runner in particular
	// bind-mounts them.
	scriptsDir, err = filepath.Abs(scriptsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving scripts dir: %w", err)
	}
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		listenAddr: "127.0.0.1:8090",
		scriptsDir: scriptsDir,
	}
	for _, o := range opts {
		o(a)
	}
	if a.runner == nil {
		a.runner = &sandbox.Exec{Log: a.logger.Named("exec")}
	}

	a.scripts, err = catalog.Open(scriptsDir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening script catalog: %w", err)
	}

	a.sessionServer = &endpoint.Server{
		Log:        a.logger.Named("endpoint"),
		Runner:     a.runner,
		ScriptsDir: scriptsDir,
	}

	a.listener, err = net.Listen("tcp", a.listenAddr)
	if err != nil {
		a.scripts.Close()
		return nil, fmt.Errorf("listening TCP: %w", err)
	}

	return a, nil
}

// Addr returns the address the agent is listening on.
func (a *Agent) Addr() string {
	return a.listener.Addr().String()
}

// Run serves until Stop is called.
func (a *Agent) Run() error {
	router := httprouter.New()
	router.GET("/healthcheck", a.healthcheck)
	router.GET("/scripts", a.listScripts)
	router.GET("/session", a.session)

	server := http.Server{Handler: router}
	a.httpServer = &server

	a.logger.Infow("serving", "Addr", a.Addr(), "ScriptsDir", a.scriptsDir)
	err := server.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the agent down. In-flight sessions are dropped, which kills
// their scripts.
func (a *Agent) Stop() error {
	var err error
	a.closeOnce.Do(func() {
		a.scripts.Close()
		if a.httpServer != nil {
			err = a.httpServer.Close()
		} else {
			err = a.listener.Close()
		}
	})
	return err
}

// HealthcheckResponse is the body of GET /healthcheck.
type HealthcheckResponse struct {
	Time        string
	ScriptCount int
}

// ScriptsResponse is the body of GET /scripts.
type ScriptsResponse struct {
	Scripts []string
}

func (a *Agent) healthcheck(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, HealthcheckResponse{
		Time:        time.Now().UTC().Format(time.RFC3339),
		ScriptCount: len(a.scripts.Scripts()),
	})
}

func (a *Agent) listScripts(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, ScriptsResponse{Scripts: a.scripts.Scripts()})
}

func (a *Agent) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.sessionServer.ServeHTTP(w, r)
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
