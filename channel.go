package stealthdp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"

	"github.com/chromedp/stealthdp/client"
)

// ChannelMode selects the transport of a session's control channel.
type ChannelMode int

// ChannelMode values.
const (
	// ChannelDriver proxies DevTools commands through chromedriver. It
	// carries no events.
	ChannelDriver ChannelMode = iota

	// ChannelDevTools connects to the page target's DevTools websocket and
	// carries events.
	ChannelDevTools
)

// String satisfies fmt.Stringer.
func (m ChannelMode) String() string {
	if m == ChannelDevTools {
		return "devtools"
	}
	return "driver"
}

// Event is a DevTools protocol event.
type Event struct {
	Method cdproto.MethodType
	Params easyjson.RawMessage
}

// Decode unmarshals the event parameters into v.
func (ev Event) Decode(v easyjson.Unmarshaler) error {
	return easyjson.Unmarshal(ev.Params, v)
}

// ControlChannel is the DevTools command channel of a session. Its Execute
// method makes it a cdp.Executor, so the cdproto command builders run
// against it with cdp.WithExecutor.
type ControlChannel interface {
	cdp.Executor

	// Listen registers fn for every event received on the channel, and
	// returns a func removing it. Channels without events never call fn.
	Listen(fn func(Event)) func()

	// Close releases the channel.
	Close() error
}

// cdpContext returns a context running cdproto commands on ch.
func cdpContext(ctx context.Context, ch ControlChannel) context.Context {
	return cdp.WithExecutor(ctx, ch)
}

// driverChannel sends DevTools commands through chromedriver's passthrough
// endpoint.
type driverChannel struct {
	wd *client.Client
	id string
}

func (c *driverChannel) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.wd.ExecuteCDP(ctx, c.id, method, params, res)
}

func (c *driverChannel) Listen(func(Event)) func() {
	return func() {}
}

func (c *driverChannel) Close() error {
	return nil
}

// devtoolsChannel multiplexes commands and events over a Transport.
type devtoolsChannel struct {
	conn Transport
	next atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan *cdproto.Message
	listeners map[int]func(Event)
	lid       int

	events    chan *cdproto.Message
	closed    chan struct{}
	closeOnce sync.Once

	errf LogFunc
}

func newDevtoolsChannel(conn Transport, errf LogFunc) *devtoolsChannel {
	c := &devtoolsChannel{
		conn:      conn,
		pending:   make(map[int64]chan *cdproto.Message),
		listeners: make(map[int]func(Event)),
		events:    make(chan *cdproto.Message, 1024),
		closed:    make(chan struct{}),
		errf:      errf,
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

func (c *devtoolsChannel) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return err
		}
	}

	id := c.next.Add(1)
	ch := make(chan *cdproto.Message, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrChannelClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	if err := c.conn.Write(msg); err != nil {
		c.forget(id)
		return err
	}

	select {
	case msg := <-ch:
		switch {
		case msg == nil:
			return ErrChannelClosed
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *devtoolsChannel) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *devtoolsChannel) Listen(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lid++
	id := c.lid
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *devtoolsChannel) readLoop() {
	for {
		msg, err := c.conn.Read()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.errf("could not read devtools message: %v", err)
			}
			c.Close()
			return
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.Method != "":
			select {
			case c.events <- msg:
			case <-c.closed:
				return
			}
		}
	}
}

// dispatchLoop delivers events in order, away from the read loop, so
// listeners may issue commands.
func (c *devtoolsChannel) dispatchLoop() {
	for {
		select {
		case msg := <-c.events:
			ev := Event{Method: msg.Method, Params: msg.Params}
			c.mu.Lock()
			fns := make([]func(Event), 0, len(c.listeners))
			for _, fn := range c.listeners {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		case <-c.closed:
			return
		}
	}
}

func (c *devtoolsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		for id, ch := range c.pending {
			ch <- nil
			delete(c.pending, id)
		}
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// guardedChannel routes channel commands through the session, so they fail
// with ErrSessionClosed once the session is closed.
type guardedChannel struct {
	s     *Session
	inner ControlChannel
}

func (c *guardedChannel) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.s.do(ctx, method, func(ctx context.Context) error {
		return c.inner.Execute(ctx, method, params, res)
	})
}

func (c *guardedChannel) Listen(fn func(Event)) func() {
	return c.inner.Listen(fn)
}

func (c *guardedChannel) Close() error {
	return c.inner.Close()
}
