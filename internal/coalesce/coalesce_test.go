package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew(t *testing.T) {
	c := New(Config{})

	if c.config.MaxWaiters != 100 {
		t.Errorf("default MaxWaiters = %d, want 100", c.config.MaxWaiters)
	}
	if c.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", c.config.Timeout)
	}
}

func TestKey(t *testing.T) {
	a := Key("thoas", "{ gene { symbol } }", "{}")
	if a != Key("thoas", "{ gene { symbol } }", "{}") {
		t.Error("Key should be deterministic")
	}
	if a == Key("allele_service", "{ gene { symbol } }", "{}") {
		t.Error("different subgraphs must produce different keys")
	}
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("part boundaries must affect the key")
	}
}

func TestCoalescerDo(t *testing.T) {
	c := New(Config{})

	body, coalesced, err := c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if coalesced {
		t.Error("a lone request should not be coalesced")
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}

// waitForFollowers blocks until n callers have joined an existing flight.
func waitForFollowers(t *testing.T, c *Coalescer, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().CoalescedRequests < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d followers joined, want %d", c.Stats().CoalescedRequests, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoalescerSharesOneExecution(t *testing.T) {
	c := New(Config{})

	var execCount int32
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func(context.Context) ([]byte, error) {
		if atomic.AddInt32(&execCount, 1) == 1 {
			close(started)
		}
		<-release
		return []byte("shared"), nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		body, _, _ := c.Do(context.Background(), "k", fn)
		results[0] = string(body)
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, coalesced, err := c.Do(context.Background(), "k", fn)
			if err != nil || !coalesced {
				t.Errorf("follower %d: coalesced=%v err=%v", i, coalesced, err)
			}
			results[i] = string(body)
		}(i)
	}

	waitForFollowers(t, c, callers-1)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&execCount); got != 1 {
		t.Errorf("execCount = %d, want 1", got)
	}
	for i, r := range results {
		if r != "shared" {
			t.Errorf("result %d = %q, want shared", i, r)
		}
	}
	if s := c.Stats(); s.TotalRequests != callers || s.ActiveFlights != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCoalescerSharesErrors(t *testing.T) {
	c := New(Config{})
	boom := errors.New("boom")
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("leader err = %v, want boom", err)
		}
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			return []byte("unexpected"), nil
		})
		if !errors.Is(err, boom) {
			t.Errorf("follower err = %v, want boom", err)
		}
	}()

	waitForFollowers(t, c, 1)
	close(release)
	wg.Wait()
}

func TestCoalescerMaxWaiters(t *testing.T) {
	c := New(Config{MaxWaiters: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _ = c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	// The flight is full, so this caller runs its own execution.
	body, coalesced, err := c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("own"), nil
	})
	if err != nil || coalesced || string(body) != "own" {
		t.Errorf("Do() = %q, %v, %v; want own execution", body, coalesced, err)
	}

	close(release)
	wg.Wait()
}

func TestCoalescerFollowerContextCancellation(t *testing.T) {
	c := New(Config{})
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _ = c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, coalesced, err := c.Do(ctx, "k", func(context.Context) ([]byte, error) { return nil, nil })
	if !coalesced || !errors.Is(err, context.Canceled) {
		t.Errorf("Do() coalesced=%v err=%v, want coalesced context.Canceled", coalesced, err)
	}

	close(release)
	wg.Wait()
}

func TestCoalescerFlightTimeout(t *testing.T) {
	c := New(Config{Timeout: 20 * time.Millisecond})

	_, _, err := c.Do(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCoalescerStarterCancellationDoesNotFailFollowers(t *testing.T) {
	c := New(Config{})
	release := make(chan struct{})
	started := make(chan struct{})

	starterCtx, cancelStarter := context.WithCancel(context.Background())
	starterDone := make(chan error, 1)
	go func() {
		_, _, err := c.Do(starterCtx, "k", func(ctx context.Context) ([]byte, error) {
			close(started)
			select {
			case <-release:
				return []byte("shared"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		starterDone <- err
	}()
	<-started

	followerDone := make(chan string, 1)
	go func() {
		body, coalesced, err := c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			return []byte("own"), nil
		})
		if err != nil || !coalesced {
			t.Errorf("follower: coalesced=%v err=%v", coalesced, err)
		}
		followerDone <- string(body)
	}()
	waitForFollowers(t, c, 1)

	cancelStarter()
	if err := <-starterDone; !errors.Is(err, context.Canceled) {
		t.Errorf("starter err = %v, want context.Canceled", err)
	}

	close(release)
	if got := <-followerDone; got != "shared" {
		t.Errorf("follower body = %q, want shared", got)
	}
}

func TestCoalescerAbandonedFlightIsCancelled(t *testing.T) {
	c := New(Config{})
	started := make(chan struct{})
	stopped := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, _, err := c.Do(ctx, "k", func(fctx context.Context) ([]byte, error) {
		close(started)
		<-fctx.Done()
		stopped <- fctx.Err()
		return nil, fctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}

	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("flight context error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned flight was not cancelled")
	}

	body, coalesced, err := c.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil || coalesced || string(body) != "fresh" {
		t.Errorf("Do() after abandon = %q, %v, %v; want a fresh flight", body, coalesced, err)
	}
}

func TestDifferentKeysDoNotShare(t *testing.T) {
	c := New(Config{})
	var execCount int32
	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&execCount, 1)
		return nil, nil
	}

	_, _, _ = c.Do(context.Background(), "a", fn)
	_, _, _ = c.Do(context.Background(), "b", fn)

	if got := atomic.LoadInt32(&execCount); got != 2 {
		t.Errorf("execCount = %d, want 2", got)
	}
}
