package watch

import (
	"context"
	"testing"
	"time"
)

func TestWatchNotifiesOnChange(t *testing.T) {
	v := New(1)
	got, changed := v.Watch()
	if got != 1 {
		t.Fatalf("Watch = %d, want 1", got)
	}
	select {
	case <-changed:
		t.Fatal("notified before any change")
	default:
	}

	v.Set(2)
	select {
	case <-changed:
	default:
		t.Fatal("not notified after Set")
	}
	if got := v.Get(); got != 2 {
		t.Errorf("Get = %d, want 2", got)
	}
}

func TestSetSameValueDoesNotNotify(t *testing.T) {
	v := New("open")
	_, changed := v.Watch()
	v.Set("open")
	select {
	case <-changed:
		t.Fatal("notified although the value did not change")
	default:
	}
}

func TestModifyAndCompareAndSet(t *testing.T) {
	v := New(10)
	if got := v.Modify(func(x int) int { return x + 5 }); got != 15 {
		t.Errorf("Modify = %d, want 15", got)
	}
	if v.CompareAndSet(10, 20) {
		t.Error("CompareAndSet succeeded with stale old value")
	}
	if !v.CompareAndSet(15, 20) {
		t.Error("CompareAndSet failed with current old value")
	}
	if got := v.Get(); got != 20 {
		t.Errorf("Get = %d, want 20", got)
	}
}

func TestUntil(t *testing.T) {
	v := New(0)
	go func() {
		for i := 1; i <= 5; i++ {
			time.Sleep(time.Millisecond)
			v.Set(i)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := Until[int](ctx, v, func(x int) bool { return x >= 5 })
	if err != nil {
		t.Fatalf("Until: %v", err)
	}
	if got != 5 {
		t.Errorf("Until = %d, want 5", got)
	}
}

func TestAwaitCancelled(t *testing.T) {
	v := New(false)
	_, changed := v.Watch()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Await(ctx, changed); err != context.Canceled {
		t.Errorf("Await = %v, want context.Canceled", err)
	}
}
