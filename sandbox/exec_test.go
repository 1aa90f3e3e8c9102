package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer, since the process writes from its own
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.py")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// The tests use a shell interpreter so they don't depend on a Python
// installation; the runner treats the interpreter as opaque.
func shRunner() *Exec {
	return &Exec{Interpreter: []string{"sh"}}
}

func TestExecStreamsOutput(t *testing.T) {
	script := writeScript(t, "echo hello\necho oops >&2\n")

	var stdout, stderr syncBuffer
	p, err := shRunner().Start(context.Background(), Spec{
		ScriptPath: script,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	require.NoError(t, err)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestExecFeedsInput(t *testing.T) {
	script := writeScript(t, "read line\necho \"got:$line\"\n")

	var stdout, stderr syncBuffer
	p, err := shRunner().Start(context.Background(), Spec{
		ScriptPath: script,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	require.NoError(t, err)

	require.NoError(t, p.WriteInput("hello"))

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "got:hello\n", stdout.String())
}

func TestExecKill(t *testing.T) {
	script := writeScript(t, "sleep 60\n")

	var stdout, stderr syncBuffer
	p, err := shRunner().Start(context.Background(), Spec{
		ScriptPath: script,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	require.NoError(t, p.Kill(), "kill must be idempotent")

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("killed process did not exit")
	}
}

func TestExecContextCancelKillsProcess(t *testing.T) {
	script := writeScript(t, "sleep 60\n")

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr syncBuffer
	p, err := shRunner().Start(ctx, Spec{
		ScriptPath: script,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	require.NoError(t, err)

	cancel()

	done := make(chan int, 1)
	go func() {
		code, _ := p.Wait()
		done <- code
	}()
	select {
	case code := <-done:
		assert.NotEqual(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not die with its context")
	}
}

func TestExecExitCode(t *testing.T) {
	script := writeScript(t, "exit 3\n")

	var stdout, stderr syncBuffer
	p, err := shRunner().Start(context.Background(), Spec{
		ScriptPath: script,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	require.NoError(t, err)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExecMissingInterpreter(t *testing.T) {
	script := writeScript(t, "echo hi\n")

	r := &Exec{Interpreter: []string{"definitely-not-a-real-interpreter"}}
	_, err := r.Start(context.Background(), Spec{ScriptPath: script, Stdout: &syncBuffer{}, Stderr: &syncBuffer{}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "starting"))
}
