package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errRemote = errors.New("remote down")

func fail(context.Context) error    { return errRemote }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New("clearinghouse", Settings{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errRemote) {
			t.Fatalf("call %d: expected remote error, got %v", i, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("call %d: expected CLOSED, got %s", i, b.State())
		}
	}
	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", b.State())
	}

	calls := 0
	err := b.Execute(ctx, func(context.Context) error { calls++; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected adapter not invoked while open, got %d calls", calls)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()
	b.Execute(ctx, fail)
	b.Execute(ctx, succeed)
	b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED, failures are not consecutive; got %s", b.State())
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", got)
	}
}

func TestBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	errBadRequest := errors.New("400")
	b := New("x", Settings{FailureThreshold: 1, ResetTimeout: time.Minute},
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, errBadRequest) }))
	b.Execute(context.Background(), func(context.Context) error { return errBadRequest })
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}

// cooldown is short enough to wait out in real time.
const cooldown = 50 * time.Millisecond

func waitCooldown() { time.Sleep(cooldown + 20*time.Millisecond) }

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 1, ResetTimeout: cooldown})
	ctx := context.Background()
	b.Execute(ctx, fail)

	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before timeout, got %v", err)
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("expected the tripping failure to stay visible while open, got %d", got)
	}

	waitCooldown()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %s", b.State())
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateClosed || snap.ConsecutiveFailures != 0 || snap.OpenedAt != nil {
		t.Errorf("expected CLOSED with zero failures, got %+v", snap)
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 1, ResetTimeout: cooldown})
	ctx := context.Background()
	b.Execute(ctx, fail)
	firstOpen := *b.Snapshot().OpenedAt

	waitCooldown()
	b.Execute(ctx, fail)
	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", snap.State)
	}
	if !snap.OpenedAt.After(firstOpen) {
		t.Errorf("expected timer restarted after %v, got %v", firstOpen, snap.OpenedAt)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", snap.ConsecutiveFailures)
	}
	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen after restarted timer, got %v", err)
	}
}

func TestBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 1, ResetTimeout: cooldown})
	ctx := context.Background()
	b.Execute(ctx, fail)
	waitCooldown()

	release := make(chan struct{})
	var admitted, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(context.Context) error {
				atomic.AddInt32(&admitted, 1)
				<-release
				return nil
			})
			if errors.Is(err, ErrOpen) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}

	// Wait until every caller has either been rejected or is holding the probe.
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&admitted)+atomic.LoadInt32(&rejected) < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if admitted != 1 {
		t.Errorf("expected exactly 1 probe admitted, got %d", admitted)
	}
	if rejected != 19 {
		t.Errorf("expected 19 rejected callers, got %d", rejected)
	}
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED after successful probe, got %s", b.State())
	}
}

func TestBreaker_PanickingProbeIsRecordedAsFailure(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 1, ResetTimeout: cooldown})
	ctx := context.Background()
	b.Execute(ctx, fail)
	waitCooldown()

	func() {
		defer func() {
			if r := recover(); r != "adapter bug" {
				t.Fatalf("expected the panic to propagate, got %v", r)
			}
		}()
		b.Execute(ctx, func(context.Context) error { panic("adapter bug") })
	}()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after a panicking probe, got %s", b.State())
	}

	waitCooldown()
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected a fresh probe after the cooldown, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}

func TestBreaker_PanicCountsWhileClosed(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 3, ResetTimeout: time.Minute})
	func() {
		defer func() { recover() }()
		b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	}()
	if got := b.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("expected the panic counted as a failure, got %d", got)
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Errorf("expected the breaker to keep admitting calls, got %v", err)
	}
}

func TestBreaker_LateResultFromPreviousStateIgnored(t *testing.T) {
	b := New("x", Settings{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	slowDone, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	b.Execute(ctx, fail)
	slowDone(nil)

	if b.State() != StateOpen {
		t.Errorf("expected late success not to close the breaker, got %s", b.State())
	}
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func (s *memStore) MarkOpen(_ context.Context, name string, at time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = at
	return nil
}

func (s *memStore) OpenedAt(_ context.Context, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.entries[name]
	return at, ok, nil
}

func (s *memStore) Clear(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
	return nil
}

func TestBreaker_SharedStoreOpensPeers(t *testing.T) {
	store := &memStore{entries: make(map[string]time.Time)}
	settings := Settings{FailureThreshold: 1, ResetTimeout: cooldown}
	a := New("payer", settings, WithStore(store))
	peer := New("payer", settings, WithStore(store))
	ctx := context.Background()

	a.Execute(ctx, fail)
	if err := peer.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected peer to fail fast, got %v", err)
	}
	if peer.State() != StateOpen {
		t.Errorf("expected peer to report OPEN, got %s", peer.State())
	}

	waitCooldown()
	if err := a.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if _, ok, _ := store.OpenedAt(ctx, "payer"); ok {
		t.Error("expected store entry cleared after close")
	}
	if err := peer.Execute(ctx, succeed); err != nil || peer.State() != StateClosed {
		t.Errorf("expected peer to resume after the entry cleared, got %v in %s", err, peer.State())
	}
}

func TestRegistry_LazyAndConfigured(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 4, ResetTimeout: time.Minute})
	r.Configure("medicaid", Settings{FailureThreshold: 2, ResetTimeout: 5 * time.Minute})

	a := r.Get("availity")
	if a != r.Get("availity") {
		t.Error("expected the same breaker for the same integration")
	}
	if got := r.Get("medicaid").Snapshot().FailureThreshold; got != 2 {
		t.Errorf("expected configured threshold 2, got %d", got)
	}

	snaps := r.Snapshot()
	if len(snaps) != 2 || snaps[0].Name != "availity" || snaps[1].Name != "medicaid" {
		t.Errorf("unexpected snapshot %+v", snaps)
	}

	r.Close()
	if len(r.Snapshot()) != 0 {
		t.Error("expected no breakers after Close")
	}
}
