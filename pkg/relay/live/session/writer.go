package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
	binary  bool
}

// outboundWriter is the only goroutine writing to the socket. Priority frames
// (pongs, drain warnings) go out before queued normal frames. Streamed output
// and terminal notices share the normal queue so they keep their order.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return w.ws.Close()
		default:
		}

		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-w.normal:
			// A priority frame queued while we waited still goes first.
			select {
			case p := <-w.priority:
				if err := w.writeFrame(p, writeTimeout); err != nil {
					return err
				}
			default:
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// flushOnShutdown writes everything already queued, priority first, until
// both queues are empty or the write timeout elapses.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration) {
	deadline := time.Now().Add(writeTimeout)
	for _, queue := range []<-chan outboundFrame{w.priority, w.normal} {
	drain:
		for time.Now().Before(deadline) {
			select {
			case frame := <-queue:
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return
				}
			default:
				break drain
			}
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if frame.binary {
		messageType = websocket.BinaryMessage
	}
	return w.ws.WriteMessage(messageType, frame.payload)
}
