// Package processor implements a request queue served by one task, with
// optional per-client reply queues.
package processor

import (
	"errors"
	"fmt"

	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/proto"
)

// ErrClosed is returned by a client whose processor or reply queue is gone.
var ErrClosed = errors.New("processor: closed")

// Request is a message taken off the processor queue.
type Request struct {
	Client uint32
	Body   []byte
}

// WantsReply reports whether the sender is waiting for a reply.
func (r Request) WantsReply() bool { return r.Client != proto.NoReply }

// Processor owns the request queue. One task should call Receive and Reply.
type Processor struct {
	k         *kernel.Kernel
	in        *kernel.Queue
	mu        *kernel.Mutex
	bodySize  int
	replySize int
	depth     int

	clients []*Client
	nextID  uint32
	closed  bool
}

// Client sends requests to a processor. Clients made by NewReplyClient also
// own a reply queue.
type Client struct {
	p     *Processor
	id    uint32
	reply *kernel.Queue
}

// New creates a processor taking bodySize-byte requests and answering with
// replySize-byte replies. depth sizes the request queue and every reply queue.
func New(k *kernel.Kernel, depth, bodySize, replySize int) (*Processor, error) {
	in, err := k.NewQueue(depth, proto.RequestHeaderSize+bodySize)
	if err != nil {
		return nil, fmt.Errorf("processor: request queue: %w", err)
	}
	mu, err := k.NewMutex()
	if err != nil {
		_ = in.Delete()
		return nil, fmt.Errorf("processor: %w", err)
	}
	return &Processor{
		k:         k,
		in:        in,
		mu:        mu,
		bodySize:  bodySize,
		replySize: replySize,
		depth:     depth,
		nextID:    1,
	}, nil
}

// NewClient returns a client for fire-and-forget requests.
func (p *Processor) NewClient() *Client {
	return &Client{p: p, id: proto.NoReply}
}

// NewReplyClient registers a client with its own reply queue.
func (p *Processor) NewReplyClient(ctx *kernel.Context, timeout kernel.Ticks) (*Client, error) {
	if err := p.mu.Take(ctx, timeout); err != nil {
		return nil, err
	}
	defer p.mu.Give(ctx)
	if p.closed {
		return nil, ErrClosed
	}
	q, err := p.k.NewQueue(p.depth, p.replySize)
	if err != nil {
		return nil, fmt.Errorf("processor: reply queue: %w", err)
	}
	c := &Client{p: p, id: p.nextID, reply: q}
	p.nextID++
	p.clients = append(p.clients, c)
	return c, nil
}

// Receive waits up to timeout for the next request.
func (p *Processor) Receive(ctx *kernel.Context, timeout kernel.Ticks) (Request, error) {
	buf := make([]byte, p.in.ItemSize())
	if err := p.in.Receive(ctx, buf, timeout); err != nil {
		return Request{}, err
	}
	client, body, _ := proto.DecodeRequest(buf)
	return Request{Client: client, Body: body}, nil
}

// Reply sends reply to the client that made req. It reports false when the
// request wanted no reply or the client has since closed.
func (p *Processor) Reply(ctx *kernel.Context, req Request, reply []byte, timeout kernel.Ticks) (bool, error) {
	if !req.WantsReply() {
		return false, nil
	}
	if err := p.mu.Take(ctx, timeout); err != nil {
		return false, err
	}
	defer p.mu.Give(ctx)
	for _, c := range p.clients {
		if c.id != req.Client {
			continue
		}
		if err := c.reply.Send(ctx, reply, timeout); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Close deletes the request queue. Clients then fail with ErrClosed. No task
// may be blocked on the queue.
func (p *Processor) Close(ctx *kernel.Context, timeout kernel.Ticks) error {
	if err := p.mu.Take(ctx, timeout); err != nil {
		return err
	}
	p.closed = true
	if err := p.mu.Give(ctx); err != nil {
		return err
	}
	return p.in.Delete()
}

func (p *Processor) isClosed(ctx *kernel.Context, timeout kernel.Ticks) (bool, error) {
	if err := p.mu.Take(ctx, timeout); err != nil {
		return false, err
	}
	closed := p.closed
	return closed, p.mu.Give(ctx)
}

// ID returns the client's reply id, or proto.NoReply.
func (c *Client) ID() uint32 { return c.id }

// Send queues body without asking for a reply.
func (c *Client) Send(ctx *kernel.Context, body []byte, timeout kernel.Ticks) error {
	return c.send(ctx, proto.NoReply, body, timeout)
}

func (c *Client) send(ctx *kernel.Context, id uint32, body []byte, timeout kernel.Ticks) error {
	if closed, err := c.p.isClosed(ctx, timeout); err != nil {
		return err
	} else if closed {
		return ErrClosed
	}
	if len(body) != c.p.bodySize {
		return c.p.k.Violation("request body is %d bytes, want %d", len(body), c.p.bodySize)
	}
	return c.p.in.Send(ctx, proto.RequestPayload(id, body), timeout)
}

// SendFromISR queues body from an interrupt handler.
func (c *Client) SendFromISR(isr *kernel.ISR, body []byte) (bool, error) {
	if len(body) != c.p.bodySize {
		return false, c.p.k.Violation("request body is %d bytes, want %d", len(body), c.p.bodySize)
	}
	return c.p.in.SendFromISR(isr, proto.RequestPayload(proto.NoReply, body))
}

// Call sends body and waits for the reply into dst. timeout bounds each of
// the two waits.
func (c *Client) Call(ctx *kernel.Context, body, dst []byte, timeout kernel.Ticks) error {
	if c.reply == nil {
		return c.p.k.Violation("Call on a client without a reply queue")
	}
	if err := c.send(ctx, c.id, body, timeout); err != nil {
		return err
	}
	return c.reply.Receive(ctx, dst, timeout)
}

// Close unregisters the client and frees its reply queue.
func (c *Client) Close(ctx *kernel.Context, timeout kernel.Ticks) error {
	if c.reply == nil {
		return nil
	}
	p := c.p
	if err := p.mu.Take(ctx, timeout); err != nil {
		return err
	}
	for i, other := range p.clients {
		if other == c {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			break
		}
	}
	if err := p.mu.Give(ctx); err != nil {
		return err
	}
	q := c.reply
	c.reply = nil
	return q.Delete()
}
