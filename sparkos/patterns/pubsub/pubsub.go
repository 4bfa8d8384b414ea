// Package pubsub fans items out to every subscriber's queue.
package pubsub

import (
	"fmt"

	"sparkrt/sparkos/kernel"
)

// Publisher sends each item to all current subscribers. The subscriber list
// is guarded by a kernel mutex, so Send and Subscribe may block.
type Publisher struct {
	k        *kernel.Kernel
	mu       *kernel.Mutex
	depth    int
	itemSize int

	subs   []*Subscriber
	nextID uint32
}

// Subscriber owns a queue of depth items fed by its publisher.
type Subscriber struct {
	pub *Publisher
	id  uint32
	q   *kernel.Queue
}

// New creates a publisher of itemSize-byte items. Each subscriber gets a
// queue of depth items.
func New(k *kernel.Kernel, depth, itemSize int) (*Publisher, error) {
	mu, err := k.NewMutex()
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	return &Publisher{
		k:        k,
		mu:       mu,
		depth:    depth,
		itemSize: itemSize,
		nextID:   1,
	}, nil
}

// Subscribers returns the number of current subscribers.
func (p *Publisher) Subscribers(ctx *kernel.Context, timeout kernel.Ticks) (int, error) {
	if err := p.mu.Take(ctx, timeout); err != nil {
		return 0, err
	}
	n := len(p.subs)
	return n, p.mu.Give(ctx)
}

// Send copies item into every subscriber's queue, waiting up to timeout for
// the lock and for each queue. It returns how many subscribers received it.
// A subscriber whose queue stays full is skipped; an error means the item
// could not be published at all or the lock could not be released.
func (p *Publisher) Send(ctx *kernel.Context, item []byte, timeout kernel.Ticks) (int, error) {
	if err := p.mu.Take(ctx, timeout); err != nil {
		return 0, fmt.Errorf("pubsub: send: %w", err)
	}
	sent := 0
	for _, s := range p.subs {
		if s.q.Send(ctx, item, timeout) == nil {
			sent++
		}
	}
	if err := p.mu.Give(ctx); err != nil {
		return sent, fmt.Errorf("pubsub: send: %w", err)
	}
	return sent, nil
}

// Subscribe registers a new subscriber.
func (p *Publisher) Subscribe(ctx *kernel.Context, timeout kernel.Ticks) (s *Subscriber, err error) {
	if err := p.mu.Take(ctx, timeout); err != nil {
		return nil, err
	}
	defer func() {
		if gerr := p.mu.Give(ctx); gerr != nil && err == nil {
			s, err = nil, fmt.Errorf("pubsub: subscribe: %w", gerr)
		}
	}()

	q, err := p.k.NewQueue(p.depth, p.itemSize)
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscriber queue: %w", err)
	}
	s = &Subscriber{pub: p, id: p.nextID, q: q}
	p.nextID++
	p.subs = append(p.subs, s)
	return s, nil
}

// ID returns the subscriber's identifier, unique per publisher.
func (s *Subscriber) ID() uint32 { return s.id }

// Receive waits up to timeout for the next item.
func (s *Subscriber) Receive(ctx *kernel.Context, dst []byte, timeout kernel.Ticks) error {
	return s.q.Receive(ctx, dst, timeout)
}

// Pending returns the number of items waiting for the subscriber.
func (s *Subscriber) Pending() int { return s.q.MessagesWaiting() }

// Unsubscribe removes the subscriber and frees its queue. No task may be
// blocked on Receive.
func (s *Subscriber) Unsubscribe(ctx *kernel.Context, timeout kernel.Ticks) error {
	p := s.pub
	if err := p.mu.Take(ctx, timeout); err != nil {
		return err
	}
	for i, sub := range p.subs {
		if sub == s {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
	if err := p.mu.Give(ctx); err != nil {
		return err
	}
	return s.q.Delete()
}
