package session

import (
	"context"
	"testing"
	"time"
)

func TestCreateAssignsUniqueIDs(t *testing.T) {
	r := New(nil, time.Minute, nil)
	a := r.Create()
	b := r.Create()
	if a == b {
		t.Fatalf("expected unique session ids, got %q twice", a)
	}
}

func TestWithSessionSerialisesAccess(t *testing.T) {
	r := New(nil, time.Minute, nil)
	id := r.Create()

	order := make(chan int, 2)
	done := make(chan struct{})

	go func() {
		_ = r.WithSession(context.Background(), id, func(s *Session) error {
			order <- 1
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		done <- struct{}{}
	}()

	time.Sleep(5 * time.Millisecond)
	go func() {
		_ = r.WithSession(context.Background(), id, func(s *Session) error {
			order <- 2
			return nil
		})
		done <- struct{}{}
	}()

	<-done
	<-done
	close(order)

	first := <-order
	if first != 1 {
		t.Errorf("expected first WithSession call to run first, got order starting with %d", first)
	}
}

func TestWithSessionCancelWhileWaitingDoesNotLeakLock(t *testing.T) {
	r := New(nil, time.Minute, nil)
	id := r.Create()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = r.WithSession(context.Background(), id, func(s *Session) error {
			close(holding)
			<-release
			return nil
		})
		done <- struct{}{}
	}()

	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	waiting := make(chan struct{})
	go func() {
		close(waiting)
		err := r.WithSession(ctx, id, func(s *Session) error {
			t.Error("cancelled call should never run its function")
			return nil
		})
		if err == nil {
			t.Error("expected a cancellation error")
		}
		done <- struct{}{}
	}()

	<-waiting
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done

	close(release)
	<-done

	acquired := make(chan struct{})
	if err := r.WithSession(context.Background(), id, func(s *Session) error {
		close(acquired)
		return nil
	}); err != nil {
		t.Fatalf("expected the session lock to still be acquirable, got %v", err)
	}
	select {
	case <-acquired:
	default:
		t.Fatal("expected the follow-up WithSession call to run its function")
	}
}

func TestSetCurrentURLInvalidatesSnapshot(t *testing.T) {
	r := New(nil, time.Minute, nil)
	id := r.Create()

	err := r.WithSession(context.Background(), id, func(s *Session) error {
		s.SetCurrentURL("https://example.com/")
		if _, ok := s.CachedSnapshot("lightning"); ok {
			t.Error("expected no cached snapshot after navigation")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInfoNotFound(t *testing.T) {
	r := New(nil, time.Minute, nil)
	if _, err := r.Info("does-not-exist"); err == nil {
		t.Fatal("expected not-found error for unknown session")
	}
}

func TestElementRegistryGenerationBump(t *testing.T) {
	r := New(nil, time.Minute, nil)
	id := r.Create()

	fp := &ElementFingerprint{ElementID: "el-1", Tag: "button"}
	r.RegisterElement(id, fp)

	got, stale, err := r.ResolveElement(id, "el-1")
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("freshly registered fingerprint should not be stale")
	}
	if got.Tag != "button" {
		t.Errorf("tag = %q, want button", got.Tag)
	}

	_ = r.WithSession(context.Background(), id, func(s *Session) error {
		s.SetCurrentURL("https://example.com/next")
		return nil
	})

	_, stale, err = r.ResolveElement(id, "el-1")
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("fingerprint registered before navigation should be stale afterward")
	}
}

func TestSessionVariables(t *testing.T) {
	r := New(nil, time.Minute, nil)
	id := r.Create()

	_ = r.WithSession(context.Background(), id, func(s *Session) error {
		s.SetVariable("x", StringValue("hello"))
		v, ok := s.Variable("x")
		if !ok || v.Str != "hello" {
			t.Errorf("expected variable x=hello, got %+v ok=%v", v, ok)
		}
		return nil
	})
}
