package stealthdp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mailru/easyjson"

	"github.com/chromedp/stealthdp/client"
)

// Transport is the common interface to send/receive messages to a target.
type Transport interface {
	Read() (*cdproto.Message, error)
	Write(*cdproto.Message) error
	io.Closer
}

// Conn implements Transport with a gobwas/ws websocket connection.
type Conn struct {
	conn net.Conn

	// writes from concurrent commands are serialized
	wmu sync.Mutex

	dbgf func(string, ...interface{})
}

// DialContext dials the specified websocket URL using gobwas/ws.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	// connect
	conn, br, _, err := ws.Dial(ctx, client.ForceIP(urlstr))
	if err != nil {
		return nil, err
	}
	if br != nil {
		ws.PutReader(br)
		conn.Close()
		return nil, errors.New("unexpected data after websocket handshake")
	}

	c := &Conn{conn: conn}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Read reads the next message.
func (c *Conn) Read() (*cdproto.Message, error) {
	buf, _, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		return nil, err
	}
	if c.dbgf != nil {
		c.dbgf("<- %s", buf)
	}

	msg := new(cdproto.Message)
	if err := easyjson.Unmarshal(buf, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Write writes a message.
func (c *Conn) Write(msg *cdproto.Message) error {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return err
	}
	if c.dbgf != nil {
		c.dbgf("-> %s", buf)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, buf)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// DialOption is a dial option.
type DialOption func(*Conn)

// WithConnDebugf is a dial option to specify a func to receive the raw
// protocol messages.
func WithConnDebugf(f func(string, ...interface{})) DialOption {
	return func(c *Conn) {
		c.dbgf = f
	}
}
