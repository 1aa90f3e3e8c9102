package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/runwire/runwire/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultAddr is the endpoint address used when none is configured.
const DefaultAddr = "ws://127.0.0.1:8090/session"

const readLimit = 32768

// Session is a Controller bound to a live WebSocket transport. One Session is
// one logical execution interaction: when the connection dies, the Session is
// finished and a new one must be dialed.
type Session struct {
	*Controller

	log        *zap.SugaredLogger
	httpClient *http.Client
	conn       *websocket.Conn
	cancel     context.CancelFunc

	closing   bool
	closingMu sync.Mutex
	closeOnce sync.Once
}

type DialOption func(s *Session, c *[]ControllerOption)

func WithLogger(l *zap.SugaredLogger) DialOption {
	return func(s *Session, copts *[]ControllerOption) {
		s.log = l.Named("session")
		*copts = append(*copts, WithControllerLogger(l))
	}
}

func WithHTTPClient(hc *http.Client) DialOption {
	return func(s *Session, copts *[]ControllerOption) {
		s.httpClient = hc
	}
}

// WithTranscript registers a transcript chunk callback on the underlying
// controller.
func WithTranscript(f func(chunk string)) DialOption {
	return func(s *Session, copts *[]ControllerOption) {
		*copts = append(*copts, WithTranscriptNotify(f))
	}
}

// Dial opens the session transport and returns a Session in StateIdle. An
// empty url uses DefaultAddr.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Session, error) {
	if url == "" {
		url = DefaultAddr
	}

	s := &Session{log: zap.NewNop().Sugar()}
	var copts []ControllerOption
	for _, o := range opts {
		o(s, &copts)
	}

	s.log.Debugw("dialing session", "URL", url)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      s.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.Controller = NewController(&wsFrameWriter{ctx: readCtx, conn: conn}, copts...)

	go s.readFrames(readCtx)
	return s, nil
}

// Close releases the session: the transport is closed and the controller is
// notified. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closingMu.Lock()
		s.closing = true
		s.closingMu.Unlock()

		err := s.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			s.log.Debugw("error closing conn", "Error", err)
		}
		s.cancel()
		s.HandleTransportClosed()
	})
	return nil
}

// readFrames is the single consumer of the transport: every incoming frame is
// handed to the controller in arrival order.
func (s *Session) readFrames(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.closingMu.Lock()
			closing := s.closing
			s.closingMu.Unlock()

			switch {
			case closing || ctx.Err() != nil:
				// Locally initiated close, already handled.
			case websocket.CloseStatus(err) != -1:
				s.log.Debugw("endpoint closed conn", "Error", err)
				s.HandleTransportClosed()
			default:
				s.log.Debugw("transport read error", "Error", err)
				s.HandleTransportError(err)
			}
			return
		}
		s.HandleFrame(data)
	}
}

// wsFrameWriter sends encoded client frames on the WebSocket conn.
type wsFrameWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w *wsFrameWriter) WriteFrame(ctx context.Context, f protocol.ClientFrame) error {
	b, err := protocol.EncodeClient(f)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = w.ctx
	}
	return w.conn.Write(ctx, websocket.MessageText, b)
}
