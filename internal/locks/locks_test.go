package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNormalize(t *testing.T) {
	got := normalize([]string{"b", "a", "b", "", "a/c"})
	want := []string{"", "a", "a/c", "b"}
	if len(got) != len(want) {
		t.Fatalf("normalize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalize = %v, want %v", got, want)
		}
	}
}

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "flows", "flows/a.json")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
}

func exerciseContextCancel(t *testing.T, l Locker) {
	t.Helper()
	unlock, err := l.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "other", "busy"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock on held key: error = %v, want deadline exceeded", err)
	}

	// A failed Lock leaves nothing held.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlock2, err := l.Lock(ctx2, "other")
	if err != nil {
		t.Fatalf("partially acquired key was not released: %v", err)
	}
	unlock2()
}

func TestLocalLocker(t *testing.T) {
	l := NewLocal()
	exerciseMutualExclusion(t, l)
	exerciseContextCancel(t, l)
	if n := l.size(); n != 0 {
		t.Errorf("%d lock entries leaked", n)
	}
}

func TestLocalLockerUnlockTwice(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()
	if n := l.size(); n != 0 {
		t.Errorf("%d lock entries leaked", n)
	}
}

func TestOnceConcurrent(t *testing.T) {
	var calls atomic.Int32
	release := once(func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("release ran %d times, want 1", n)
	}
}

func TestRedisLocker(t *testing.T) {
	s := miniredis.RunT(t)
	l, err := NewRedis("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer l.Close()

	exerciseMutualExclusion(t, l)
	exerciseContextCancel(t, l)

	if keys := s.Keys(); len(keys) != 0 {
		t.Errorf("lock keys left behind: %v", keys)
	}
}

func TestRedisLockerExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	l, err := NewRedis("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer l.Close()

	if _, err := l.Lock(context.Background(), "abandoned"); err != nil {
		t.Fatal(err)
	}
	s.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := l.Lock(ctx, "abandoned")
	if err != nil {
		t.Fatalf("expired lock not reclaimed: %v", err)
	}
	unlock()
}

func TestRedisLockerForeignTokenKept(t *testing.T) {
	s := miniredis.RunT(t)
	l, err := NewRedis("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate expiry plus takeover by another holder.
	s.Set(l.key("k"), "someone-else")
	unlock()
	if v, _ := s.Get(l.key("k")); v != "someone-else" {
		t.Errorf("release deleted another holder's lock; value = %q", v)
	}
}

func TestNop(t *testing.T) {
	unlock, err := Nop{}.Lock(context.Background(), "a", "a")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
}
