package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// DefaultInterpreter runs scripts unbuffered so output frames reflect the
// process's real output ordering.
var DefaultInterpreter = []string{"python3", "-u"}

// Exec runs scripts directly on the host.
type Exec struct {
	Log *zap.SugaredLogger

	// Interpreter is the command prefix the script path is appended to.
	// Defaults to DefaultInterpreter.
	Interpreter []string
}

func (e *Exec) Start(ctx context.Context, spec Spec) (Proc, error) {
	interp := e.Interpreter
	if len(interp) == 0 {
		interp = DefaultInterpreter
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	args := append(append([]string{}, interp[1:]...), spec.ScriptPath)
	cmd := exec.Command(interp[0], args...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %q: %w", spec.ScriptPath, err)
	}
	log.Debugw("started script process", "Script", spec.ScriptPath, "PID", cmd.Process.Pid)

	p := &execProc{log: log, cmd: cmd, stdin: stdin, exited: make(chan struct{})}

	// The process dies with its context, same as its session.
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.exited:
		}
	}()
	return p, nil
}

type execProc struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	stdin io.WriteCloser

	exited   chan struct{}
	waitOnce sync.Once
	killOnce sync.Once

	exitCode int
	waitErr  error
}

func (p *execProc) WriteInput(line string) error {
	_, err := io.WriteString(p.stdin, line+"\n")
	if err != nil {
		return fmt.Errorf("writing stdin: %w", err)
	}
	return nil
}

func (p *execProc) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.log.Debugw("killing script process", "PID", p.cmd.Process.Pid)
		err = p.cmd.Process.Kill()
	})
	return err
}

func (p *execProc) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		close(p.exited)
		p.stdin.Close()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				p.waitErr = err
			}
		}
	})
	return p.exitCode, p.waitErr
}
