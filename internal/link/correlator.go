// Package link owns the active connection: mode selection, the
// command/response correlator, status polling, and chunked-write
// orchestration. All shared mutable connection state lives here and is
// touched only through the Manager's entry points.
package link

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"sfplink/internal/fault"
)

// DefaultCorrelationTimeout bounds how long a caller waits for a
// matching response line.
const DefaultCorrelationTimeout = 5 * time.Second

type waitResult struct {
	line string
	err  error
}

// Pending is one registered correlation: a caller waiting for the first
// inbound text line matching its pattern.
type Pending struct {
	literal string
	re      *regexp.Regexp
	ch      chan waitResult
	timer   *time.Timer
	settled bool
}

// Wait blocks until the correlation resolves, times out, or is force
// rejected by a disconnect.
func (p *Pending) Wait() (string, error) {
	res := <-p.ch
	return res.line, res.err
}

func (p *Pending) matches(line string) bool {
	if p.re != nil {
		return p.re.MatchString(line)
	}
	return strings.Contains(line, p.literal)
}

func (p *Pending) pattern() string {
	if p.re != nil {
		return p.re.String()
	}
	return p.literal
}

// Correlator resolves pending waits against incoming text lines. Every
// correlation is settled exactly once: matched, timed out, or force
// rejected. Its timer is always cleared on the way out.
type Correlator struct {
	mu      sync.Mutex
	pending []*Pending
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Expect registers a correlation matching any line containing the given
// literal substring.
func (c *Correlator) Expect(substring string, timeout time.Duration) *Pending {
	return c.register(&Pending{literal: substring}, timeout)
}

// ExpectRegexp registers a correlation matching by regular expression.
func (c *Correlator) ExpectRegexp(re *regexp.Regexp, timeout time.Duration) *Pending {
	return c.register(&Pending{re: re}, timeout)
}

func (c *Correlator) register(p *Pending, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = DefaultCorrelationTimeout
	}
	p.ch = make(chan waitResult, 1)

	c.mu.Lock()
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		c.settle(p, waitResult{err: fault.Newf(fault.Timeout,
			"no response matching %q within %s", p.pattern(), timeout)})
	})
	return p
}

// Dispatch offers an inbound text line to the pending set. The first
// registered correlation whose pattern matches wins; ties between
// patterns break by registration order. Returns whether anyone claimed
// the line.
func (c *Correlator) Dispatch(line string) bool {
	c.mu.Lock()
	var match *Pending
	for _, p := range c.pending {
		if p.matches(line) {
			match = p
			break
		}
	}
	c.mu.Unlock()

	if match == nil {
		return false
	}
	c.settle(match, waitResult{line: line})
	return true
}

// Cancel rejects a single correlation, for callers whose send failed
// before a response could ever arrive.
func (c *Correlator) Cancel(p *Pending, err error) {
	c.settle(p, waitResult{err: err})
}

// FailAll rejects every outstanding correlation. Called on disconnect so
// no correlation outlives the connection.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		c.settleDetached(p, waitResult{err: err})
	}
}

// PendingCount reports how many correlations are outstanding.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle resolves a correlation still in the pending set.
func (c *Correlator) settle(p *Pending, res waitResult) {
	c.mu.Lock()
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.settleDetached(p, res)
}

// settleDetached delivers the result to a correlation already removed
// from the pending set, guaranteeing single settlement and a stopped
// timer.
func (c *Correlator) settleDetached(p *Pending, res waitResult) {
	c.mu.Lock()
	if p.settled {
		c.mu.Unlock()
		return
	}
	p.settled = true
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- res
}
