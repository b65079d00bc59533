// Package poller runs cancellable fixed-interval health checks with a hard deadline.
package poller

import (
	"context"
	"sync"
	"time"

	ierrors "github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// CheckFunc probes a target once; nil means healthy.
type CheckFunc func(ctx context.Context) error

// Poller owns the set of active polls, at most one per key. Starting a poll
// for a key cancels any prior poll for that key.
type Poller struct {
	clock  clockwork.Clock
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*Poll
}

// New returns a Poller using the given clock, which tests may fake.
func New(clock clockwork.Clock, logger *zap.SugaredLogger) *Poller {
	return &Poller{
		clock:  clock,
		logger: logger,
		active: make(map[string]*Poll),
	}
}

// Poll is a handle to one in-flight health poll.
type Poll struct {
	url    string
	cancel context.CancelFunc
	done   chan error
}

// Done delivers the poll outcome exactly once: nil on success, a
// PollingTimeoutError on deadline, or the context error on cancellation.
func (p *Poll) Done() <-chan error {
	return p.done
}

// Cancel stops the poll. After Cancel returns, no success result is delivered.
func (p *Poll) Cancel() {
	p.cancel()
}

// Start begins polling url at the given interval until check succeeds or the
// timeout elapses. Timeouts are hard deadlines: the poll is not restarted
// automatically, callers begin a new poll to retry.
func (p *Poller) Start(key, url string, interval, timeout time.Duration, check CheckFunc) *Poll {
	ctx, cancel := context.WithCancel(context.Background())
	poll := &Poll{
		url:    url,
		cancel: cancel,
		done:   make(chan error, 1),
	}

	p.mu.Lock()
	if prior, ok := p.active[key]; ok {
		prior.cancel()
	}
	p.active[key] = poll
	p.mu.Unlock()

	go p.run(ctx, key, poll, interval, timeout, check)
	return poll
}

// CancelAll stops every active poll.
func (p *Poller) CancelAll() {
	p.mu.Lock()
	polls := make([]*Poll, 0, len(p.active))
	for _, poll := range p.active {
		polls = append(polls, poll)
	}
	p.mu.Unlock()

	for _, poll := range polls {
		poll.cancel()
	}
}

func (p *Poller) run(ctx context.Context, key string, poll *Poll, interval, timeout time.Duration, check CheckFunc) {
	defer p.remove(key, poll)
	deadline := p.clock.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			poll.deliver(ctx.Err())
			return
		}

		err := check(ctx)
		// A cancellation that raced the probe must not surface as success.
		if ctx.Err() != nil {
			poll.deliver(ctx.Err())
			return
		}
		if err == nil {
			p.logger.Infow("health check succeeded", "url", poll.url)
			poll.deliver(nil)
			return
		}

		select {
		case <-ctx.Done():
			poll.deliver(ctx.Err())
			return
		case <-p.clock.After(interval):
		}

		if !p.clock.Now().Before(deadline) {
			p.logger.Warnw("health check timed out", "url", poll.url, "timeout", timeout)
			poll.deliver(&ierrors.PollingTimeoutError{URL: poll.url, Waited: timeout})
			return
		}
	}
}

func (p *Poller) remove(key string, poll *Poll) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[key] == poll {
		delete(p.active, key)
	}
}

func (poll *Poll) deliver(err error) {
	poll.done <- err
	close(poll.done)
}
