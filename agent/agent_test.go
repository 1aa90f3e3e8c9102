package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/runwire/runwire/sandbox"
	"github.com/runwire/runwire/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newTestAgent(t *testing.T, scripts map[string]string) *Agent {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	a, err := New(dir,
		WithListenAddr("127.0.0.1:0"),
		WithRunner(&sandbox.Exec{Log: log.Named("exec"), Interpreter: []string{"sh"}}),
	)
	require.NoError(t, err)

	go a.Run()
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
	})
	return a
}

func newTestClient(t *testing.T, a *Agent) *Client {
	t.Helper()
	client, err := NewClient(log, a.Addr())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestHealthcheck(t *testing.T) {
	a := newTestAgent(t, map[string]string{"one.py": "echo hi\n"})
	client := newTestClient(t, a)

	resp, err := client.Healthcheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ScriptCount)
	assert.NotEmpty(t, resp.Time)
}

func TestListScripts(t *testing.T) {
	a := newTestAgent(t, map[string]string{
		"b.py":      "echo b\n",
		"a.py":      "echo a\n",
		"notes.txt": "not a script",
	})
	client := newTestClient(t, a)

	scripts, err := client.ListScripts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, scripts)
}

func TestRunSessionThroughAgent(t *testing.T) {
	a := newTestAgent(t, map[string]string{
		"greeter.py": "echo ready\nread name\necho \"hello $name\"\n",
	})
	client := newTestClient(t, a)

	ready := make(chan struct{})
	var readyOnce bool
	sess, err := client.OpenSession(context.Background(), session.WithTranscript(func(chunk string) {
		if !readyOnce && strings.Contains(chunk, "ready") {
			readyOnce = true
			close(ready)
		}
	}))
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	ctx := context.Background()
	require.NoError(t, sess.Start(ctx, "greeter.py"))

	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		t.Fatal("script never became ready")
	}

	require.NoError(t, sess.SendInput(ctx, "world"))

	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}

	assert.Equal(t, session.StateTerminated, sess.State())
	assert.Contains(t, sess.Transcript(), "hello world")
}

func TestClientAgainstNoServer(t *testing.T) {
	client, err := NewClient(log, "127.0.0.1:1", WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	_, err = client.Healthcheck(context.Background())
	require.Error(t, err)
}

func TestRelativeScriptsDirResolved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.py"), []byte("echo hi\n"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(filepath.Dir(dir)))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })

	a, err := New(filepath.Base(dir), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Stop()) })

	assert.True(t, filepath.IsAbs(a.scriptsDir))
	assert.True(t, filepath.IsAbs(a.sessionServer.ScriptsDir))
	assert.Equal(t, []string{"hello.py"}, a.scripts.Scripts())
}
