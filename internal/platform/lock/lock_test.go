package lock

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "r1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected at most one holder at a time, saw %d", maxSeen)
	}
	if k.Len() != 0 {
		t.Errorf("expected entries to be cleaned up, got %d", k.Len())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	k := NewKeyedMutex()
	r1, err := k.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r2, err := k.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	r2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()
	release, _ := k.Acquire(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.Acquire(ctx, "a")
	if !errors.Is(err, ErrNotAcquired) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrNotAcquired wrapping deadline, got %v", err)
	}

	release()
	release() // second call is a no-op
	if k.Len() != 0 {
		t.Errorf("expected no entries, got %d", k.Len())
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rdb.Close()

	l := NewRedisLocker(rdb, "test:lock:", 5*time.Second, zerolog.New(io.Discard))
	release, err := l.Acquire(ctx, "r1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(short, "r1"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected second acquire to time out, got %v", err)
	}

	release()
	again, err := l.Acquire(ctx, "r1")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again()
}
