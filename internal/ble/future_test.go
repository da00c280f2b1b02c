package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureSettlesOnce(t *testing.T) {
	f := newFuture[int]()
	if f.Settled() {
		t.Fatal("new future already settled")
	}
	if !f.resolve(1) {
		t.Fatal("first resolve() = false, want true")
	}
	if f.resolve(2) {
		t.Error("second resolve() = true, want false")
	}
	if f.fail(errors.New("late")) {
		t.Error("fail() after resolve = true, want false")
	}

	v, err := f.Wait(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Wait() = (%d, %v), want (1, nil)", v, err)
	}
}

func TestFutureFailed(t *testing.T) {
	want := errors.New("boom")
	f := failedFuture[string](want)
	_, err := f.Wait(context.Background())
	if !errors.Is(err, want) {
		t.Errorf("Wait() error = %v, want %v", err, want)
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if f.Settled() {
		t.Error("abandoned wait settled the future")
	}
}

func TestFutureOnComplete(t *testing.T) {
	f := newFuture[int]()
	got := make(chan int, 1)
	f.OnComplete(func(v int, err error) {
		if err != nil {
			t.Errorf("OnComplete error = %v", err)
		}
		got <- v
	})
	f.resolve(42)

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("OnComplete value = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("OnComplete callback never ran")
	}
}
