package endpoint

import (
	"context"

	"github.com/runwire/runwire/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// frameWriter turns raw process output bytes into endpoint frames on the
// session conn.
type frameWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// frame wraps one chunk of output in the frame to send.
	frame func(chunk string) protocol.EndpointFrame
}

func (w *frameWriter) Write(b []byte) (int, error) {
	w.log.Debugf("writing %d bytes", len(b))
	// break the output into chunks based on max message size
	// the write limit is over-conservative, we are estimating the final encoded json size
	writeLimit := readLimit / 3
	leftToWrite := b
	for {
		toWrite := leftToWrite
		more := false
		if len(leftToWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
			leftToWrite = leftToWrite[writeLimit:]
			more = true
		}

		msg := w.frame(string(toWrite))
		err := wsjson.Write(w.ctx, w.conn, &msg)
		if err != nil {
			return 0, err
		}
		if !more {
			return len(b), nil
		}
	}
}
