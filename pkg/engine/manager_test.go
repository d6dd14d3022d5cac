package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedHandle struct {
	mu          sync.Mutex
	initialized bool
	recording   bool
	destroyed   int
	stopped     int
	destroyErr  error
}

func (h *scriptedHandle) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

func (h *scriptedHandle) Recording() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recording
}

func (h *scriptedHandle) StopRecording(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
	h.recording = false
	return nil
}

func (h *scriptedHandle) Destroy(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	h.initialized = false
	return h.destroyErr
}

func (h *scriptedHandle) setInitialized(v bool) {
	h.mu.Lock()
	h.initialized = v
	h.mu.Unlock()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AutoRecover = false
	opts.RetryDelay = 5 * time.Millisecond
	opts.HealthCheckInterval = time.Hour
	opts.SettleDelay = 0
	return opts
}

func TestInitializeConstructsAndBecomesReady(t *testing.T) {
	h := &scriptedHandle{initialized: true}
	opts := testOptions()
	opts.Constructor = func(context.Context) (Handle, error) { return h, nil }
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res != InitPerformed {
		t.Fatalf("expected performed, got %v", res)
	}
	if !m.Ready() {
		t.Fatalf("expected ready after initialize")
	}
	if got := m.State(); got != StateReady {
		t.Fatalf("expected ready state, got %s", got)
	}
	hm := m.Health()
	if hm.InitializationAttempts != 1 || hm.ConsecutiveFailures != 0 || !hm.IsHealthy {
		t.Fatalf("unexpected health metrics: %+v", hm)
	}
}

func TestInitializeAlreadyReadyShortCircuits(t *testing.T) {
	var constructions int32
	opts := testOptions()
	opts.Constructor = func(context.Context) (Handle, error) {
		atomic.AddInt32(&constructions, 1)
		return &scriptedHandle{initialized: true}, nil
	}
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if res != InitAlreadyReady {
		t.Fatalf("expected already_ready, got %v", res)
	}
	if got := atomic.LoadInt32(&constructions); got != 1 {
		t.Fatalf("expected 1 construction, got %d", got)
	}
}

func TestConcurrentInitializeSingleFlight(t *testing.T) {
	var constructions int32
	release := make(chan struct{})
	opts := testOptions()
	opts.Constructor = func(context.Context) (Handle, error) {
		atomic.AddInt32(&constructions, 1)
		<-release
		return &scriptedHandle{initialized: true}, nil
	}
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := m.Initialize(context.Background())
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < callers; i++ {
		if err := <-results; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&constructions); got != 1 {
		t.Fatalf("expected exactly 1 construction, got %d", got)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := &scriptedHandle{initialized: true, recording: true}
	opts := testOptions()
	opts.Constructor = func(context.Context) (Handle, error) { return h, nil }
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.Ready() {
		t.Fatalf("expected not ready after destroy")
	}
	if got := m.State(); got != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", got)
	}
	if h.stopped != 1 || h.destroyed != 1 {
		t.Fatalf("expected recording stopped and handle destroyed once, got %d/%d", h.stopped, h.destroyed)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if h.destroyed != 1 {
		t.Fatalf("second destroy must not touch the handle, got %d", h.destroyed)
	}
}

func TestDestroySwallowsTeardownErrors(t *testing.T) {
	h := &scriptedHandle{initialized: true, destroyErr: errors.New("teardown boom")}
	opts := testOptions()
	opts.Constructor = func(context.Context) (Handle, error) { return h, nil }
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy must swallow teardown errors, got %v", err)
	}
	if got := m.State(); got != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", got)
	}
}

func TestInitializeRejectedWhileDestroying(t *testing.T) {
	block := make(chan struct{})
	h := &blockingHandle{release: block}
	m := NewManager(testOptions())
	defer m.Cleanup(context.Background())
	m.RegisterEngine(h)

	done := make(chan struct{})
	go func() {
		_ = m.Destroy(context.Background())
		close(done)
	}()
	waitForState(t, m, StateDestroying)

	_, err := m.Initialize(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if got := m.State(); got != StateDestroying {
		t.Fatalf("rejected initialize must not change state, got %s", got)
	}
	close(block)
	<-done
}

type blockingHandle struct {
	release chan struct{}
}

func (h *blockingHandle) Initialized() bool { return true }

func (h *blockingHandle) Destroy(ctx context.Context) error {
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return nil
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, at %s", want, m.State())
}

func TestRegisterEngineUninitializedHandle(t *testing.T) {
	m := NewManager(testOptions())
	defer m.Cleanup(context.Background())

	m.RegisterEngine(&scriptedHandle{initialized: true})
	if !m.Ready() {
		t.Fatalf("expected ready after registering initialized handle")
	}

	m.RegisterEngine(&scriptedHandle{initialized: false})
	if got := m.State(); got != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", got)
	}
	if m.Health().IsHealthy {
		t.Fatalf("expected unhealthy after registering uninitialized handle")
	}
}

func TestEngineAccessorLeniency(t *testing.T) {
	m := NewManager(testOptions())
	defer m.Cleanup(context.Background())

	if _, err := m.Engine(); err == nil {
		t.Fatalf("expected not-registered error")
	} else {
		var nr NotRegisteredError
		if !errors.As(err, &nr) {
			t.Fatalf("expected NotRegisteredError, got %v", err)
		}
		if nr.State != StateUninitialized {
			t.Fatalf("expected state in error, got %s", nr.State)
		}
	}

	// Handle is returned even when formal state lags behind.
	m.RegisterEngine(&scriptedHandle{initialized: false})
	if _, err := m.Engine(); err != nil {
		t.Fatalf("expected handle despite uninitialized state, got %v", err)
	}
}

func TestAutoRecoveryRetriesWithBackoffBudget(t *testing.T) {
	var attempts int32
	var times []time.Time
	var mu sync.Mutex
	opts := testOptions()
	opts.AutoRecover = true
	opts.MaxRetries = 3
	opts.RetryDelay = 5 * time.Millisecond
	opts.Constructor = func(context.Context) (Handle, error) {
		atomic.AddInt32(&attempts, 1)
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil, errors.New("construction boom")
	}
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	if _, err := m.Initialize(context.Background()); err == nil {
		t.Fatalf("expected initialize failure")
	}

	// 1 explicit attempt + exactly MaxRetries automatic ones.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&attempts) >= 4 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Give a would-be fourth retry room to fire.
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("expected 4 construction attempts (1 explicit + 3 retries), got %d", got)
	}
	hm := m.Health()
	if hm.ConsecutiveFailures != 4 {
		t.Fatalf("expected 4 consecutive failures, got %d", hm.ConsecutiveFailures)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < opts.RetryDelay {
			t.Fatalf("retry %d fired after %v, before the backoff delay", i, gap)
		}
	}
}

func TestResetClearsMetricsAndReinitializes(t *testing.T) {
	fail := int32(1)
	opts := testOptions()
	opts.Constructor = func(context.Context) (Handle, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, errors.New("construction boom")
		}
		return &scriptedHandle{initialized: true}, nil
	}
	m := NewManager(opts)
	defer m.Cleanup(context.Background())

	if _, err := m.Initialize(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if m.Health().ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 failure, got %d", m.Health().ConsecutiveFailures)
	}

	atomic.StoreInt32(&fail, 0)
	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !m.Ready() {
		t.Fatalf("expected ready after reset")
	}
	hm := m.Health()
	if hm.ConsecutiveFailures != 0 || hm.InitializationAttempts != 1 {
		t.Fatalf("expected zeroed metrics plus one attempt, got %+v", hm)
	}
}

func TestHealthFlipEmitsAndRecovers(t *testing.T) {
	h := &scriptedHandle{initialized: true}
	var constructions int32
	opts := testOptions()
	opts.AutoRecover = true
	opts.HealthCheckInterval = time.Hour
	opts.Constructor = func(context.Context) (Handle, error) {
		atomic.AddInt32(&constructions, 1)
		return &scriptedHandle{initialized: true}, nil
	}
	m := NewManager(opts)
	defer m.Cleanup(context.Background())
	m.RegisterEngine(h)

	var flips int32
	unsub := m.Subscribe(ListenerFunc(func(ev Event) {
		if ev.Kind == EventHealthUpdate && !ev.Healthy {
			atomic.AddInt32(&flips, 1)
		}
	}))
	defer unsub()

	h.setInitialized(false)
	m.checkHealth()
	if got := atomic.LoadInt32(&flips); got != 1 {
		t.Fatalf("expected 1 unhealthy flip event, got %d", got)
	}

	// Unchanged verdict stays silent.
	m.checkHealth()
	if got := atomic.LoadInt32(&flips); got != 1 {
		t.Fatalf("expected no extra event, got %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&constructions) >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&constructions) == 0 {
		t.Fatalf("expected recovery initialize after unhealthy flip")
	}
}

func TestCleanupReleasesManager(t *testing.T) {
	m := NewManager(testOptions())
	m.RegisterEngine(&scriptedHandle{initialized: true})
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if got := m.State(); got != StateDestroyed {
		t.Fatalf("expected destroyed after cleanup, got %s", got)
	}
	if _, err := m.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
