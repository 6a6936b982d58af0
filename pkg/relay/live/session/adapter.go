package session

import (
	"context"

	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// adapterEvent is one Receive result tagged with the generation of the
// adapter that produced it.
type adapterEvent struct {
	generation uint64
	event      upstream.Event
	err        error
}

// adapter owns one upstream connection and its receive pump. The pump only
// forwards; every reaction happens on the session loop.
type adapter struct {
	conn       upstream.Conn
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

func startAdapter(parent context.Context, conn upstream.Conn, generation uint64, out chan<- adapterEvent) *adapter {
	ctx, cancel := context.WithCancel(parent)
	a := &adapter{
		conn:       conn,
		generation: generation,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go a.pump(ctx, out)
	return a
}

func (a *adapter) pump(ctx context.Context, out chan<- adapterEvent) {
	defer close(a.done)
	for {
		ev, err := a.conn.Receive(ctx)
		select {
		case out <- adapterEvent{generation: a.generation, event: ev, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// stop closes the upstream connection and waits for the pump to exit.
func (a *adapter) stop() {
	a.cancel()
	_ = a.conn.Close()
	<-a.done
}
