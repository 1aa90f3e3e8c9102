package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/runwire/runwire/protocol"
	"github.com/runwire/runwire/sandbox"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// Server accepts session WebSocket connections and executes scripts from
// ScriptsDir through Runner.
type Server struct {
	Log        *zap.SugaredLogger
	Runner     sandbox.Runner
	ScriptsDir string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted session conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &sessionRunner{
		log:        s.Log.Named("session_runner"),
		conn:       wsConn,
		ctx:        ctx,
		cancel:     cancel,
		runner:     s.Runner,
		scriptsDir: s.ScriptsDir,
	}
	runner.run()
}

// sessionRunner drives one session: one connection, at most one script run.
type sessionRunner struct {
	log        *zap.SugaredLogger
	conn       *websocket.Conn
	ctx        context.Context
	cancel     func()
	runner     sandbox.Runner
	scriptsDir string

	proc sandbox.Proc

	wg            sync.WaitGroup
	closeConnOnce sync.Once
}

func (r *sessionRunner) run() {
	err := r.readStartAndLaunch()
	if err != nil {
		r.log.Debugf("session ended before a script started: %s", err)
		r.close(websocket.StatusNormalClosure, "")
		return
	}

	r.wg.Add(2)
	go r.readFrames()
	go r.waitAndSendClosed()
	r.wg.Wait()
}

func (r *sessionRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// sendError reports a non-fatal endpoint error to the client. The session
// survives it.
func (r *sessionRunner) sendError(msg string) {
	err := wsjson.Write(r.ctx, r.conn, protocol.EndpointFrame{Error: msg + "\n"})
	if err != nil {
		r.log.Debugf("error sending error frame: %s", err)
	}
}

// readStartAndLaunch consumes frames until a valid START launches a script.
// Anything else gets an error frame and another chance.
func (r *sessionRunner) readStartAndLaunch() error {
	for {
		_, data, err := r.conn.Read(r.ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		f, err := protocol.DecodeClient(data)
		if err != nil {
			r.log.Debugf("rejected frame: %s", err)
			r.sendError(fmt.Sprintf("rejected frame: %s", err))
			continue
		}

		switch f.Type {
		case protocol.TypeStart:
			err := r.launch(f.Script)
			if err != nil {
				r.log.Debugw("launch failed", "Script", f.Script, "Error", err)
				r.sendError(err.Error())
				continue
			}
			return nil
		case protocol.TypeTerminate:
			// Nothing to terminate yet; harmless.
		default:
			r.sendError("no script is running")
		}
	}
}

func (r *sessionRunner) launch(script string) error {
	// DecodeClient already validated the name, so the join cannot escape the
	// scripts directory.
	scriptPath := filepath.Join(r.scriptsDir, script)
	_, err := os.Stat(scriptPath)
	if err != nil {
		return fmt.Errorf("unknown script %q", script)
	}

	runID := uuid.New().String()
	log := r.log.With("RunID", runID, "Script", script)

	proc, err := r.runner.Start(r.ctx, sandbox.Spec{
		ScriptPath: scriptPath,
		Stdout: &frameWriter{
			log:  log.Named("stdout_writer"),
			ctx:  r.ctx,
			conn: r.conn,
			frame: func(chunk string) protocol.EndpointFrame {
				return protocol.EndpointFrame{Output: chunk}
			},
		},
		Stderr: &frameWriter{
			log:  log.Named("stderr_writer"),
			ctx:  r.ctx,
			conn: r.conn,
			frame: func(chunk string) protocol.EndpointFrame {
				return protocol.EndpointFrame{Error: chunk}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("starting script: %s", err)
	}

	log.Debug("script started")
	r.log = log
	r.proc = proc
	return nil
}

// readFrames handles INPUT and TERMINATE for the running script. It returns
// when the client goes away, killing the script: runs do not outlive their
// connection.
func (r *sessionRunner) readFrames() {
	defer r.wg.Done()
	defer r.cancel()

	for {
		_, data, err := r.conn.Read(r.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.log.Debug("got normal closure from client, wrapping up")
			} else {
				r.log.Debugf("frame reader got error: %s", err)
			}
			r.proc.Kill()
			return
		}

		f, err := protocol.DecodeClient(data)
		if err != nil {
			r.log.Debugf("rejected frame: %s", err)
			r.sendError(fmt.Sprintf("rejected frame: %s", err))
			continue
		}

		switch f.Type {
		case protocol.TypeInput:
			err := r.proc.WriteInput(f.Input)
			if err != nil {
				r.log.Debugf("forwarding input: %s", err)
				r.sendError(fmt.Sprintf("forwarding input: %s", err))
			}
		case protocol.TypeTerminate:
			r.log.Debug("terminate requested")
			err := r.proc.Kill()
			if err != nil {
				r.log.Debugf("killing script: %s", err)
			}
		case protocol.TypeStart:
			r.sendError("a script is already running")
		}
	}
}

// waitAndSendClosed waits for the script to exit and sends the one closed
// frame of the session.
func (r *sessionRunner) waitAndSendClosed() {
	defer r.wg.Done()

	code, err := r.proc.Wait()
	if err != nil {
		r.log.Debugf("unexpected wait error: %s", err)
	}
	r.log.Debugw("script exited", "ExitCode", code)

	err = wsjson.Write(r.ctx, r.conn, protocol.EndpointFrame{Closed: true})
	if err != nil {
		r.log.Debugf("error sending closed frame: %s", err)
	}
}
