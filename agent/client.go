package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/runwire/runwire/session"
	"go.uber.org/zap"
)

// Client talks to a running Agent.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL string
	wsURL   string

	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      fmt.Sprintf("http://%s", addr),
		wsURL:        fmt.Sprintf("ws://%s", addr),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// Healthcheck calls the agent's healthcheck route once.
func (c *Client) Healthcheck(ctx context.Context) (*HealthcheckResponse, error) {
	var resp HealthcheckResponse
	err := c.getJSON(ctx, "/healthcheck", &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForServer blocks until the agent answers its healthcheck or the context
// is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	for {
		_, err := c.Healthcheck(ctx)
		if err == nil {
			return nil
		}
		c.Logger.Debugw("agent not up yet", "Error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for agent: %w", ctx.Err())
		case <-time.After(c.waitInterval):
		}
	}
}

// ListScripts returns the names of the scripts the agent can run.
func (c *Client) ListScripts(ctx context.Context) ([]string, error) {
	var resp ScriptsResponse
	err := c.getJSON(ctx, "/scripts", &resp)
	if err != nil {
		return nil, err
	}
	return resp.Scripts, nil
}

// OpenSession dials a new execution session on the agent.
func (c *Client) OpenSession(ctx context.Context, opts ...session.DialOption) (*session.Session, error) {
	c.Logger.Debugw("dialing session", "URL", c.wsURL+"/session")
	opts = append([]session.DialOption{
		session.WithHTTPClient(c.HTTPClient),
		session.WithLogger(c.Logger),
	}, opts...)
	return session.Dial(ctx, c.wsURL+"/session", opts...)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
