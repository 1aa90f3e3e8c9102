package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/runwire/runwire/protocol"
	"go.uber.org/zap"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateIdle means no script has been started on this transport yet.
	StateIdle State = "idle"
	// StateRunning means a START frame has been sent and the run has not finished.
	StateRunning State = "running"
	// StateTerminated means the run finished, was terminated, or the transport
	// closed. No further frames can be sent.
	StateTerminated State = "terminated"
	// StateErrored means the transport failed. No further frames can be sent.
	StateErrored State = "errored"
)

// FrameWriter sends client frames to the execution endpoint.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f protocol.ClientFrame) error
}

// Controller is the client-side state machine for one execution session over
// one transport. It owns the transport exclusively: all sends go through it,
// and all incoming frames and transport events are fed to it. Handlers and
// methods serialize on an internal mutex, so the transcript has exactly one
// writer.
//
// StateTerminated and StateErrored are absorbing: once reached, the
// controller never sends again. A consumer wanting a new run builds a new
// session on a new transport.
type Controller struct {
	log    *zap.SugaredLogger
	notify func(chunk string)

	mu         sync.Mutex
	writer     FrameWriter
	state      State
	script     string
	transcript strings.Builder
	lastErr    string

	done     chan struct{}
	doneOnce sync.Once
}

type ControllerOption func(c *Controller)

func WithControllerLogger(l *zap.SugaredLogger) ControllerOption {
	return func(c *Controller) {
		c.log = l.Named("controller")
	}
}

// WithTranscriptNotify registers a callback invoked with every chunk appended
// to the transcript, in append order. Consumers use it to render output
// incrementally instead of re-reading the whole transcript. The callback runs
// on the controller's event path and must not call back into the controller.
func WithTranscriptNotify(f func(chunk string)) ControllerOption {
	return func(c *Controller) {
		c.notify = f
	}
}

// NewController builds a controller in StateIdle bound to the given transport
// writer.
func NewController(w FrameWriter, opts ...ControllerOption) *Controller {
	c := &Controller{
		log:    zap.NewNop().Sugar(),
		writer: w,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Script returns the script name of the current or last run.
func (c *Controller) Script() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.script
}

// Transcript returns the accumulated output of the current run.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.String()
}

// LastError returns the most recent validation or transport error, or the
// empty string if the last action succeeded.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done returns a channel closed when the session reaches StateTerminated or
// StateErrored.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start validates script and sends a START frame. It clears the transcript
// and lastError on success. Validation failures are local: lastError is set,
// no frame is sent, and the state is unchanged.
func (c *Controller) Start(ctx context.Context, script string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return c.failLocked("a script is already running")
	}
	if c.state != StateIdle {
		return c.failLocked("session is finished, start a new one")
	}
	if !protocol.ValidScriptName(script) {
		return c.failLocked(fmt.Sprintf("invalid script name %q", script))
	}
	if c.writer == nil {
		return c.failLocked("not connected")
	}

	c.lastErr = ""
	c.transcript.Reset()
	c.script = script
	c.state = StateRunning
	c.log.Debugw("starting script", "Script", script)
	return c.sendLocked(ctx, protocol.StartFrame(script))
}

// SendInput forwards one line of input to the running script. Empty input is
// deliberately suppressed: it is a no-op, not an error.
func (c *Controller) SendInput(ctx context.Context, input string) error {
	if input == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return c.failLocked("no script is running")
	}
	c.lastErr = ""
	c.log.Debugw("sending input", "Bytes", len(input))
	return c.sendLocked(ctx, protocol.InputFrame(input))
}

// Terminate requests that the endpoint kill the running script, then
// optimistically marks the session terminated without waiting for an
// acknowledgment. Calling it when no script is running is a no-op.
func (c *Controller) Terminate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return nil
	}

	c.lastErr = ""
	c.log.Debug("terminating script")
	err := c.sendLocked(ctx, protocol.TerminateFrame())
	if err != nil {
		return err
	}
	c.appendLocked("\n[terminated]\n")
	c.state = StateTerminated
	c.signalDone()
	return nil
}

// HandleFrame processes one raw frame from the endpoint. Malformed frames are
// non-fatal: they become a single transcript annotation and leave the state
// untouched. Frames arriving after the session left StateRunning are dropped,
// which keeps the transcript append-only within a run.
func (c *Controller) HandleFrame(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		c.log.Debugw("dropping late frame", "State", c.state, "Bytes", len(raw))
		return
	}

	f, err := protocol.DecodeEndpoint(raw)
	if err != nil {
		c.log.Debugw("malformed frame", "Error", err)
		c.appendLocked(fmt.Sprintf("\n[malformed frame: %s]\n", err))
		return
	}

	if f.Output != "" {
		c.appendLocked(f.Output)
	}
	if f.Error != "" {
		c.appendLocked(f.Error)
	}
	if f.Closed {
		c.log.Debug("run closed by endpoint")
		c.appendLocked("\n[finished]\n")
		c.state = StateTerminated
		c.signalDone()
	}
}

// HandleTransportClosed records that the transport closed. The session moves
// to StateTerminated and drops the transport handle.
func (c *Controller) HandleTransportClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer = nil
	if c.state != StateTerminated && c.state != StateErrored {
		c.log.Debug("transport closed")
		c.state = StateTerminated
	}
	c.signalDone()
}

// HandleTransportError records a transport-level failure. The session moves
// to StateErrored; no further sends are possible.
func (c *Controller) HandleTransportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debugw("transport error", "Error", err)
	c.writer = nil
	c.lastErr = err.Error()
	if c.state != StateTerminated {
		c.state = StateErrored
	}
	c.signalDone()
}

func (c *Controller) failLocked(msg string) error {
	c.lastErr = msg
	return errors.New(msg)
}

func (c *Controller) sendLocked(ctx context.Context, f protocol.ClientFrame) error {
	err := c.writer.WriteFrame(ctx, f)
	if err != nil {
		c.writer = nil
		c.lastErr = err.Error()
		c.state = StateErrored
		c.signalDone()
		return fmt.Errorf("sending %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Controller) appendLocked(chunk string) {
	c.transcript.WriteString(chunk)
	if c.notify != nil {
		c.notify(chunk)
	}
}

func (c *Controller) signalDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}
