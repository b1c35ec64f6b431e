package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
)

// ErrExhausted is returned by Acquire when no credential has usable quota
var ErrExhausted = errors.New("credentials: all credentials exhausted")

// Lease is a reservation on one credential for a single request.
// It must be returned with exactly one of Report, ReportFailure or Release.
type Lease struct {
	index int
	Token string
}

// Index identifies the credential inside its pool
func (l Lease) Index() int {
	return l.index
}

// Status is a read-only view of one credential
type Status struct {
	Index     int
	Remaining int
	ResetAt   time.Time
	Failures  int
	InFlight  int
}

type credential struct {
	token     string
	remaining int
	resetAt   time.Time // zero when no reset is pending
	failures  int
	inFlight  int
	confirmed bool // the server has reported quota for this credential
}

// Pool tracks quota for a set of API tokens and hands out leases
type Pool struct {
	mu          sync.Mutex
	creds       []*credential
	maxQuota    int
	reserve     int
	maxFailures int
	cooldown    time.Duration
	window      time.Duration
	now         func() time.Time
	changed     chan struct{}
}

// Option configures a Pool
type Option func(*Pool)

// WithMaxQuota sets the quota a credential is restored to after its reset
func WithMaxQuota(n int) Option {
	return func(p *Pool) { p.maxQuota = n }
}

// WithReserve sets the quota below which a credential is not handed out
func WithReserve(n int) Option {
	return func(p *Pool) { p.reserve = n }
}

// WithMaxFailures sets how many consecutive failures bench a credential
func WithMaxFailures(n int) Option {
	return func(p *Pool) { p.maxFailures = n }
}

// WithFailureCooldown sets how long a benched credential sits out
func WithFailureCooldown(d time.Duration) Option {
	return func(p *Pool) { p.cooldown = d }
}

// WithProvisionalWindow sets how long a locally estimated quota lasts
// when no reset instant has been reported
func WithProvisionalWindow(d time.Duration) Option {
	return func(p *Pool) { p.window = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a pool with every token at full quota
func NewPool(tokens []string, opts ...Option) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("credentials: at least one token is required")
	}

	p := &Pool{
		maxQuota:    5000, // GitHub API default limit
		reserve:     1,
		maxFailures: 3,
		cooldown:    time.Minute,
		window:      time.Hour,
		now:         time.Now,
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxQuota <= p.reserve {
		return nil, fmt.Errorf("credentials: max quota %d must exceed reserve %d", p.maxQuota, p.reserve)
	}
	if p.maxFailures < 1 {
		return nil, fmt.Errorf("credentials: max failures must be positive")
	}
	if p.window <= 0 {
		return nil, fmt.Errorf("credentials: provisional window must be positive")
	}

	seen := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		p.creds = append(p.creds, &credential{token: token, remaining: p.maxQuota})
	}
	if len(p.creds) == 0 {
		return nil, fmt.Errorf("credentials: no usable tokens")
	}
	return p, nil
}

// Size returns the number of credentials in the pool
func (p *Pool) Size() int {
	return len(p.creds)
}

// Acquire reserves the credential with the most quota left.
// It returns ErrExhausted when every credential is at or below the reserve.
func (p *Pool) Acquire() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshLocked(p.now())

	best := -1
	bestQuota := 0
	for i, c := range p.creds {
		if c.failures >= p.maxFailures {
			continue
		}
		effective := c.remaining - c.inFlight
		if effective <= p.reserve {
			continue
		}
		if best == -1 || effective > bestQuota {
			best, bestQuota = i, effective
		}
	}
	if best == -1 {
		return Lease{}, ErrExhausted
	}

	p.creds[best].inFlight++
	return Lease{index: best, Token: p.creds[best].token}, nil
}

// Report records the authoritative quota returned with a response and
// releases the lease.
func (p *Pool) Report(l Lease, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.leaseLocked(l)
	if !ok {
		return
	}
	c.remaining = remaining
	c.confirmed = true
	if !resetAt.IsZero() {
		c.resetAt = resetAt
	}
	c.failures = 0
	p.refreshLocked(p.now())
	p.broadcastLocked()
}

// ReportFailure counts a failed request against the credential and
// releases the lease. Too many failures in a row bench the credential.
func (p *Pool) ReportFailure(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.leaseLocked(l)
	if !ok {
		return
	}
	c.failures++
	if c.failures >= p.maxFailures {
		until := p.now().Add(p.cooldown)
		if until.After(c.resetAt) {
			c.resetAt = until
		}
	}
	p.broadcastLocked()
}

// Release returns a lease for a request that produced no quota headers.
// Once the server has confirmed a quota for the credential, the local
// estimate is decremented until the next authoritative report. A decrement
// with no reset pending opens a provisional window so the estimate always
// expires.
func (p *Pool) Release(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.leaseLocked(l)
	if !ok {
		return
	}
	if c.confirmed && c.remaining > 0 {
		c.remaining--
		if c.resetAt.IsZero() {
			c.resetAt = p.now().Add(p.window)
		}
	}
	p.broadcastLocked()
}

// Return gives a lease back without charging any quota, for calls that
// never reached the server.
func (p *Pool) Return(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leaseLocked(l); ok {
		p.broadcastLocked()
	}
}

// NextReset returns the earliest pending reset instant
func (p *Pool) NextReset() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshLocked(p.now())
	return p.nextResetLocked()
}

// Wait blocks until a credential may have quota again: the earliest reset
// passes or an in-flight lease is returned. If no lease is in flight and
// the earliest reset is further away than patience, it fails immediately
// with a credentials exhausted error.
func (p *Pool) Wait(ctx context.Context, patience time.Duration) error {
	p.mu.Lock()
	now := p.now()
	p.refreshLocked(now)
	if p.usableLocked() {
		p.mu.Unlock()
		return nil
	}
	next, hasReset := p.nextResetLocked()
	inFlight := 0
	for _, c := range p.creds {
		inFlight += c.inFlight
	}
	changed := p.changed
	p.mu.Unlock()

	if inFlight == 0 {
		if !hasReset {
			return apperrors.NewCredentialsExhaustedError("no credential has quota and none is scheduled to reset")
		}
		if next.Sub(now) > patience {
			return apperrors.NewCredentialsExhaustedError(
				fmt.Sprintf("next credential reset at %s is beyond the %s patience window", next.Format(time.RFC3339), patience))
		}
	}

	var timeout <-chan time.Time
	if hasReset {
		timer := time.NewTimer(max(next.Sub(now), 0))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return nil
	case <-changed:
		return nil
	}
}

// Snapshot returns the state of every credential
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshLocked(p.now())
	out := make([]Status, len(p.creds))
	for i, c := range p.creds {
		out[i] = Status{
			Index:     i,
			Remaining: c.remaining,
			ResetAt:   c.resetAt,
			Failures:  c.failures,
			InFlight:  c.inFlight,
		}
	}
	return out
}

func (p *Pool) leaseLocked(l Lease) (*credential, bool) {
	if l.index < 0 || l.index >= len(p.creds) {
		return nil, false
	}
	c := p.creds[l.index]
	if c.inFlight == 0 || c.token != l.Token {
		return nil, false
	}
	c.inFlight--
	return c, true
}

// refreshLocked restores every credential whose reset instant has passed
func (p *Pool) refreshLocked(now time.Time) {
	for _, c := range p.creds {
		if c.resetAt.IsZero() || now.Before(c.resetAt) {
			continue
		}
		c.remaining = p.maxQuota
		c.failures = 0
		c.resetAt = time.Time{}
	}
}

func (p *Pool) usableLocked() bool {
	for _, c := range p.creds {
		if c.failures < p.maxFailures && c.remaining-c.inFlight > p.reserve {
			return true
		}
	}
	return false
}

func (p *Pool) nextResetLocked() (time.Time, bool) {
	var next time.Time
	for _, c := range p.creds {
		if c.resetAt.IsZero() {
			continue
		}
		if next.IsZero() || c.resetAt.Before(next) {
			next = c.resetAt
		}
	}
	return next, !next.IsZero()
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
