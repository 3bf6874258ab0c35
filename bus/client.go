package bus

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"spacedb/membership"
	"spacedb/tuple"

	"github.com/cockroachdb/errors"
)

// DefaultTimeout bounds dialing and every request without a context
// deadline.
const DefaultTimeout = 2 * time.Second

// ErrRemote marks an ERR reply of the peer.
var ErrRemote = errors.New("remote error")

// Client is a connection to the bus of one peer. Requests are serialized
// on one connection, which is re-dialed after any failure.
type Client struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) Addr() string {
	return c.addr
}

// InsertTuple stores t in the table's region on the peer.
func (c *Client) InsertTuple(ctx context.Context, table string, t *tuple.Tuple) error {
	payload, sum, err := encodeTuple(t)
	if err != nil {
		return err
	}
	return c.roundTrip(ctx, fmt.Sprintf("INS %s %d %s", table, sum, payload), ackInsert)
}

// DeleteTuple writes a tombstone for key in the table's region on the peer.
func (c *Client) DeleteTuple(ctx context.Context, table, key string, version int64) error {
	return c.roundTrip(ctx, fmt.Sprintf("DEL %s %s %s", table, encodeKey(key), formatVersion(version)), ackDelete)
}

// Put asks the peer to route t into the group.
func (c *Client) Put(ctx context.Context, group string, t *tuple.Tuple) error {
	payload, sum, err := encodeTuple(t)
	if err != nil {
		return err
	}
	return c.roundTrip(ctx, fmt.Sprintf("PUT %s %d %s", group, sum, payload), ackPut)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, "PING", pong)
}

func (c *Client) roundTrip(ctx context.Context, message, expected string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		d := net.Dialer{Timeout: c.timeout}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return errors.Wrapf(err, "failed to connect to peer %s", c.addr)
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(message + "\n")); err != nil {
		c.resetLocked()
		return errors.Wrapf(err, "failed to write to peer %s", c.addr)
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		c.resetLocked()
		return errors.Wrapf(err, "failed to read response from peer %s", c.addr)
	}
	resp = strings.TrimSpace(resp)
	if resp == expected {
		return nil
	}
	if strings.HasPrefix(resp, "ERR") {
		return errors.Mark(errors.Newf("peer %s: %s", c.addr, strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))), ErrRemote)
	}
	c.resetLocked()
	return errors.Newf("unexpected response from peer %s: got %q, expected %q", c.addr, resp, expected)
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

// Resolver looks up the bus address of a node.
type Resolver interface {
	Get(ctx context.Context, nodeID string) (membership.Node, error)
}

// Pool keeps one client per peer.
type Pool struct {
	resolve Resolver
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool(resolve Resolver, timeout time.Duration) *Pool {
	return &Pool{resolve: resolve, timeout: timeout, clients: map[string]*Client{}}
}

// Client returns the client of nodeID, creating it from the node's
// membership record on first use.
func (p *Pool) Client(ctx context.Context, nodeID string) (*Client, error) {
	p.mu.Lock()
	c, ok := p.clients[nodeID]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	node, err := p.resolve.Get(ctx, nodeID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve node %s", nodeID)
	}
	if node.BusAddr == "" {
		return nil, errors.Newf("node %s has no bus address", nodeID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[nodeID]; ok {
		return c, nil
	}
	c = NewClient(node.BusAddr, p.timeout)
	p.clients[nodeID] = c
	log.Printf("[INFO] Bus client for %s at %s", nodeID, node.BusAddr)
	return c, nil
}

// Forget drops the client of nodeID, e.g. after the node moved.
func (p *Pool) Forget(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[nodeID]; ok {
		c.Close()
		delete(p.clients, nodeID)
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}
