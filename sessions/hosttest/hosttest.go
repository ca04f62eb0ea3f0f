// Package hosttest provides a reusable behavioral test suite that every
// sessions.Host implementation must pass.
package hosttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lolzy2026/mcp-elicitation/sessions"
)

// Factory builds a fresh Host for each subtest.
type Factory func(t *testing.T) sessions.Host

// RunHostTests exercises the sessions.Host contract against the given
// implementation.
func RunHostTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("PublishThenSubscribeReplays", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := h.PublishSession(ctx, "s1", []byte("one")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if _, err := h.PublishSession(ctx, "s1", []byte("two")); err != nil {
			t.Fatalf("publish: %v", err)
		}

		got := collect(t, h, "s1", "", 2)
		if got[0] != "one" || got[1] != "two" {
			t.Fatalf("unexpected replay order: %v", got)
		}
	})

	t.Run("SubscribeResumesAfterLastEventID", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		first, err := h.PublishSession(ctx, "s2", []byte("a"))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if _, err := h.PublishSession(ctx, "s2", []byte("b")); err != nil {
			t.Fatalf("publish: %v", err)
		}

		got := collect(t, h, "s2", first, 1)
		if got[0] != "b" {
			t.Fatalf("expected resume to skip consumed events, got %v", got)
		}
	})

	t.Run("SessionsAreIsolated", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := h.PublishSession(ctx, "s3", []byte("mine")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if _, err := h.PublishSession(ctx, "s4", []byte("theirs")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		got := collect(t, h, "s3", "", 1)
		if got[0] != "mine" {
			t.Fatalf("cross-session leak: %v", got)
		}
	})

	t.Run("AwaitFulfill", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		aw, err := h.BeginAwait(ctx, "s5", "corr-1", time.Minute)
		if err != nil {
			t.Fatalf("begin await: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		var data []byte
		var recvErr error
		go func() {
			defer wg.Done()
			data, recvErr = aw.Recv(ctx)
		}()

		delivered, err := h.Fulfill(ctx, "s5", "corr-1", []byte(`{"ok":true}`))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}
		if !delivered {
			t.Fatal("expected fulfill to reach the waiter")
		}
		wg.Wait()
		if recvErr != nil {
			t.Fatalf("recv: %v", recvErr)
		}
		if string(data) != `{"ok":true}` {
			t.Fatalf("unexpected payload: %s", data)
		}
	})

	t.Run("DuplicateBeginAwaitRejected", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := h.BeginAwait(ctx, "s6", "corr-1", time.Minute); err != nil {
			t.Fatalf("begin await: %v", err)
		}
		if _, err := h.BeginAwait(ctx, "s6", "corr-1", time.Minute); !errors.Is(err, sessions.ErrAwaitExists) {
			t.Fatalf("expected ErrAwaitExists, got %v", err)
		}
	})

	t.Run("FulfillWithoutWaiterDrops", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		delivered, err := h.Fulfill(ctx, "s7", "nope", []byte("x"))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}
		if delivered {
			t.Fatal("expected drop when no waiter is registered")
		}
	})

	t.Run("SecondFulfillDrops", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		aw, err := h.BeginAwait(ctx, "s8", "corr-1", time.Minute)
		if err != nil {
			t.Fatalf("begin await: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = aw.Recv(ctx)
		}()
		if d, err := h.Fulfill(ctx, "s8", "corr-1", []byte("first")); err != nil || !d {
			t.Fatalf("first fulfill: delivered=%v err=%v", d, err)
		}
		<-done
		if d, err := h.Fulfill(ctx, "s8", "corr-1", []byte("second")); err != nil || d {
			t.Fatalf("second fulfill should drop: delivered=%v err=%v", d, err)
		}
	})

	t.Run("CancelWakesReceiver", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		aw, err := h.BeginAwait(ctx, "s9", "corr-1", time.Minute)
		if err != nil {
			t.Fatalf("begin await: %v", err)
		}
		errCh := make(chan error, 1)
		go func() {
			_, err := aw.Recv(ctx)
			errCh <- err
		}()
		time.Sleep(50 * time.Millisecond)
		if err := aw.Cancel(ctx); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		select {
		case err := <-errCh:
			if !errors.Is(err, sessions.ErrAwaitCanceled) {
				t.Fatalf("expected ErrAwaitCanceled, got %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("receiver not woken by cancel")
		}
	})

	t.Run("AwaitTTLExpires", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		aw, err := h.BeginAwait(ctx, "s10", "corr-1", 200*time.Millisecond)
		if err != nil {
			t.Fatalf("begin await: %v", err)
		}
		_, recvErr := aw.Recv(ctx)
		if !errors.Is(recvErr, sessions.ErrAwaitCanceled) {
			t.Fatalf("expected ErrAwaitCanceled after TTL, got %v", recvErr)
		}
		if d, err := h.Fulfill(ctx, "s10", "corr-1", []byte("late")); err != nil || d {
			t.Fatalf("late fulfill should drop: delivered=%v err=%v", d, err)
		}
	})

	t.Run("CleanupCancelsAwaits", func(t *testing.T) {
		h := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		aw, err := h.BeginAwait(ctx, "s11", "corr-1", time.Minute)
		if err != nil {
			t.Fatalf("begin await: %v", err)
		}
		errCh := make(chan error, 1)
		go func() {
			_, err := aw.Recv(ctx)
			errCh <- err
		}()
		time.Sleep(50 * time.Millisecond)
		if err := h.CleanupSession(ctx, "s11"); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		select {
		case err := <-errCh:
			if err == nil {
				t.Fatal("expected receiver to fail after cleanup")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("receiver not woken by cleanup")
		}
	})
}

// collect subscribes and gathers n events, then cancels the subscription.
func collect(t *testing.T, h sessions.Host, sessionID, lastEventID string, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		_ = h.SubscribeSession(ctx, sessionID, lastEventID, func(ctx context.Context, eventID string, data []byte) error {
			mu.Lock()
			got = append(got, string(data))
			size := len(got)
			mu.Unlock()
			if size >= n {
				close(done)
				return errors.New("done")
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out collecting %d events; got %v", n, got)
	}
	mu.Lock()
	defer mu.Unlock()
	return got
}
