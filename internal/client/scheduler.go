package client

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// Refresher exchanges the refresh credential for a new access token.
type Refresher interface {
	Refresh(ctx context.Context) (Token, error)
}

type Options struct {
	// Interval between expiry checks.
	Interval time.Duration
	// Threshold is how close to expiry a token must be to get refreshed.
	Threshold time.Duration
	// RequestTimeout bounds one refresh call independently of the callers.
	RequestTimeout time.Duration
	Backoff        backoff.BackOff
	Now            func() time.Time
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.Threshold <= 0 {
		o.Threshold = 60 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 2 * time.Minute
		o.Backoff = b
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Scheduler keeps one access token fresh. Concurrent callers share a
// single in-flight refresh and all observe its outcome.
type Scheduler struct {
	refresher Refresher
	holder    TokenHolder
	opts      Options
	group     singleflight.Group

	// flight is read-held for the duration of every refresh call so that
	// Logout can wait for calls already on the wire.
	flight sync.RWMutex

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	notBefore time.Time
	onLogout  []func(error)
	onRefresh []func(Token)
}

func NewScheduler(refresher Refresher, holder TokenHolder, opts Options) *Scheduler {
	if holder == nil {
		holder = NewMemoryTokenHolder()
	}
	return &Scheduler{refresher: refresher, holder: holder, opts: opts.withDefaults()}
}

// OnLogout registers a callback fired when the server ends the session.
func (s *Scheduler) OnLogout(fn func(reason error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// OnRefresh registers a callback fired after every successful refresh.
func (s *Scheduler) OnRefresh(fn func(Token)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = append(s.onRefresh, fn)
}

// SetToken installs a token obtained by login.
func (s *Scheduler) SetToken(t Token) {
	s.mu.Lock()
	s.notBefore = time.Time{}
	s.opts.Backoff.Reset()
	s.mu.Unlock()
	s.holder.Set(t)
}

// Start launches the expiry watcher. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(ctx, done)
}

// Stop halts the watcher and waits for it to exit. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.detachLocked()
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// detachLocked forgets the running loop so a later Start launches a new
// one. The caller owns cancelling the returned loop.
func (s *Scheduler) detachLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	return cancel, done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tok, ok := s.holder.Get()
	if !ok {
		return
	}
	now := s.opts.Now()
	if !tok.expiresWithin(now, s.opts.Threshold) {
		return
	}
	s.mu.Lock()
	wait := now.Before(s.notBefore)
	s.mu.Unlock()
	if wait {
		return
	}
	if _, err := s.refresh(ctx); err != nil && !errors.Is(err, ErrSessionEnded) {
		s.opts.Logger.WarnContext(ctx, "scheduled token refresh failed", "error", err)
	}
}

// Token returns a usable access token, refreshing first when the held one
// is inside the threshold.
func (s *Scheduler) Token(ctx context.Context) (string, error) {
	tok, ok := s.holder.Get()
	if !ok {
		return "", ErrNoToken
	}
	now := s.opts.Now()
	if !tok.expiresWithin(now, s.opts.Threshold) {
		return tok.Value, nil
	}
	stillValid := tok.ExpiresAt.After(now)
	s.mu.Lock()
	backingOff := now.Before(s.notBefore)
	s.mu.Unlock()
	if backingOff && stillValid {
		return tok.Value, nil
	}
	fresh, err := s.refresh(ctx)
	if err != nil {
		// A transient failure leaves the current token usable until it
		// actually expires.
		if stillValid && !errors.Is(err, ErrSessionEnded) && ctx.Err() == nil {
			return tok.Value, nil
		}
		return "", err
	}
	return fresh.Value, nil
}

// Refresh forces a refresh, sharing any one already in flight.
func (s *Scheduler) Refresh(ctx context.Context) (Token, error) {
	return s.refresh(ctx)
}

// Logout drops local state. It waits for a refresh already in flight so
// that the caller can end the server session with the cookie that refresh
// left behind. The in-flight result is discarded.
func (s *Scheduler) Logout() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	s.flight.Lock()
	s.flight.Unlock()
	s.holder.Clear()
	s.Stop()
}

func (s *Scheduler) refresh(ctx context.Context) (Token, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	// Keyed by generation so a new session never joins a call that
	// belongs to one already logged out.
	key := "refresh:" + strconv.FormatUint(gen, 10)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.doRefresh(ctx, gen)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (s *Scheduler) doRefresh(ctx context.Context, gen uint64) (Token, error) {
	// Held until the holder reflects the outcome, so Logout cannot clear it
	// in between.
	s.flight.RLock()
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		s.flight.RUnlock()
		return Token{}, ErrSessionEnded
	}

	// Detached so one impatient caller cannot fail the shared call.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
	tok, err := s.refresher.Refresh(callCtx)
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.flight.RUnlock()
		return Token{}, ErrSessionEnded
	}
	switch {
	case errors.Is(err, ErrSessionEnded):
		s.gen++
		callbacks := append([]func(error){}, s.onLogout...)
		// Only the loop running now is stopped. A Start issued by a
		// callback launches a fresh one.
		stop, _ := s.detachLocked()
		s.mu.Unlock()
		s.holder.Clear()
		s.flight.RUnlock()
		if stop != nil {
			stop()
		}
		for _, fn := range callbacks {
			fn(err)
		}
		return Token{}, err
	case err != nil:
		delay := s.opts.Backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = s.opts.Interval
		}
		s.notBefore = s.opts.Now().Add(delay)
		s.mu.Unlock()
		s.flight.RUnlock()
		return Token{}, err
	}
	s.notBefore = time.Time{}
	s.opts.Backoff.Reset()
	callbacks := append([]func(Token){}, s.onRefresh...)
	s.mu.Unlock()
	s.holder.Set(tok)
	s.flight.RUnlock()

	for _, fn := range callbacks {
		fn(tok)
	}
	return tok, nil
}
