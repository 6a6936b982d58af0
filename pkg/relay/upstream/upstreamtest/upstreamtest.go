// Package upstreamtest provides an in-memory upstream.Provider for tests.
package upstreamtest

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// Provider records every Connect and hands out scripted Conns.
type Provider struct {
	mu         sync.Mutex
	connectErr error
	conns      []*Conn
	connected  chan *Conn
}

func NewProvider() *Provider {
	return &Provider{connected: make(chan *Conn, 16)}
}

// FailConnect makes subsequent Connect calls return err.
func (p *Provider) FailConnect(err error) {
	p.mu.Lock()
	p.connectErr = err
	p.mu.Unlock()
}

func (p *Provider) Connect(ctx context.Context, opts upstream.Options) (upstream.Conn, error) {
	p.mu.Lock()
	err := p.connectErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := newConn(opts)
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	select {
	case p.connected <- c:
	default:
	}
	return c, nil
}

// Conns returns every connection opened so far.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// NextConn waits for the next Connect.
func (p *Provider) NextConn(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-p.connected:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

type Sent struct {
	Text     string
	Audio    []byte
	MIMEType string
}

type received struct {
	ev  upstream.Event
	err error
}

type Conn struct {
	Opts upstream.Options

	events chan received
	sentCh chan Sent
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []Sent
	sendErr error
}

func newConn(opts upstream.Options) *Conn {
	return &Conn{
		Opts:   opts,
		events: make(chan received, 64),
		sentCh: make(chan Sent, 64),
		closed: make(chan struct{}),
	}
}

// Push queues an event for Receive.
func (c *Conn) Push(ev upstream.Event) {
	c.events <- received{ev: ev}
}

// Fail makes the next Receive return err, ending the provider session.
func (c *Conn) Fail(err error) {
	c.events <- received{err: err}
}

// FailSends makes subsequent sends return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) SendText(_ context.Context, text string) error {
	return c.record(Sent{Text: text})
}

func (c *Conn) SendAudio(_ context.Context, audio []byte, mimeType string) error {
	cp := append([]byte(nil), audio...)
	return c.record(Sent{Audio: cp, MIMEType: mimeType})
}

func (c *Conn) record(s Sent) error {
	if c.IsClosed() {
		return upstream.ErrClosed
	}
	c.mu.Lock()
	err := c.sendErr
	if err == nil {
		c.sent = append(c.sent, s)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case c.sentCh <- s:
	default:
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) (upstream.Event, error) {
	select {
	case r := <-c.events:
		return r.ev, r.err
	case <-c.closed:
		return upstream.Event{}, upstream.ErrClosed
	case <-ctx.Done():
		return upstream.Event{}, ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns everything forwarded so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// NextSent waits for the next forwarded turn.
func (c *Conn) NextSent(timeout time.Duration) (Sent, bool) {
	select {
	case s := <-c.sentCh:
		return s, true
	case <-time.After(timeout):
		return Sent{}, false
	}
}
