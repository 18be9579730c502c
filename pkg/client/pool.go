package client

import (
	"context"
	"sync"
)

// Pool keeps at most one live observer connection per session and role.
// Opening a connection that is already open or connecting returns the
// existing one.
type Pool struct {
	client *Client
	opts   ConnOptions

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool(client *Client, opts ConnOptions) *Pool {
	return &Pool{client: client, opts: opts, conns: make(map[string]*Conn)}
}

// Open returns the connection for sessionID and role, dialing one if none is
// active. ctx bounds the lifetime of a newly dialed connection.
func (p *Pool) Open(ctx context.Context, sessionID, role string) *Conn {
	key := sessionID + "|" + role

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[key]; ok && c.active() {
		return c
	}
	c := Dial(ctx, p.client.WebSocketURL(sessionID, role), p.opts)
	p.conns[key] = c
	return c
}

// Len returns the number of active connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, c := range p.conns {
		if c.active() {
			n++
		} else {
			delete(p.conns, key)
		}
	}
	return n
}

// Close closes every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
