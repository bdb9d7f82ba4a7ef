package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("automation pool closed")

// Pool owns a fixed number of sessions, each leased to exactly one worker at
// a time. Sessions are opened lazily and replaced when a reset fails.
type Pool struct {
	factory Factory
	log     *log.Logger

	slots  chan int
	closed chan struct{}

	mu       sync.Mutex
	sessions []Session
	isClosed bool
}

func NewPool(size int, factory Factory, logger *log.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		factory:  factory,
		log:      logger,
		slots:    make(chan int, size),
		closed:   make(chan struct{}),
		sessions: make([]Session, size),
	}
	for i := 0; i < size; i++ {
		p.slots <- i
	}
	return p
}

// Lease is exclusive access to one session until Release.
type Lease struct {
	pool    *Pool
	slot    int
	session Session
	once    sync.Once
}

func (l *Lease) Session() Session { return l.session }

// Acquire blocks until a slot is free, opening its session if needed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	var slot int
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	case slot = <-p.slots:
	}

	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		p.slots <- slot
		return nil, ErrPoolClosed
	}
	s := p.sessions[slot]
	p.mu.Unlock()
	if s == nil {
		var err error
		s, err = p.factory(ctx, slot)
		if err != nil {
			p.slots <- slot
			return nil, fmt.Errorf("open automation session %d: %w", slot, err)
		}
		p.mu.Lock()
		p.sessions[slot] = s
		p.mu.Unlock()
	}
	return &Lease{pool: p, slot: slot, session: s}, nil
}

// Release resets the session and returns the slot. A session that fails to
// reset is closed and reopened on the next Acquire.
func (l *Lease) Release() { l.release(false) }

// Discard closes the session without trying to reset it and returns the
// slot. The next Acquire of the slot opens a new session.
func (l *Lease) Discard() { l.release(true) }

func (l *Lease) release(drop bool) {
	l.once.Do(func() {
		p := l.pool
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		p.mu.Lock()
		closed := p.isClosed
		p.mu.Unlock()

		discard := closed || drop
		if !discard {
			if err := l.session.Reset(ctx); err != nil {
				p.log.Printf("automation: reset session %d failed, discarding: %v", l.slot, err)
				discard = true
			}
		}
		if discard {
			if err := l.session.Close(); err != nil {
				p.log.Printf("automation: close session %d: %v", l.slot, err)
			}
			p.mu.Lock()
			p.sessions[l.slot] = nil
			p.mu.Unlock()
		}
		p.slots <- l.slot
	})
}

// Close closes every idle session. Leased sessions are closed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	close(p.closed)
	p.mu.Unlock()

	var g errgroup.Group
	for {
		select {
		case slot := <-p.slots:
			p.mu.Lock()
			s := p.sessions[slot]
			p.sessions[slot] = nil
			p.mu.Unlock()
			if s != nil {
				g.Go(s.Close)
			}
		default:
			return g.Wait()
		}
	}
}
