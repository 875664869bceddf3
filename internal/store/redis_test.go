package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestRedis requires a running Redis at WORKSPACEAI_TEST_REDIS_ADDR.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()

	addr := os.Getenv("WORKSPACEAI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WORKSPACEAI_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "workspaceai-test-"+uuid.NewString())
}

func TestRedisCompareAndSetStatus(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	created, err := r.Create(ctx, "owner-a", "msg", emailPlans(), "Send?")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Get(ctx, "owner-b", created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}

	ok, err := r.CompareAndSetStatus(ctx, created.ID, "owner-b", StatusPending, StatusApproved, Outcome{})
	if err != nil || ok {
		t.Fatalf("foreign owner transition: ok=%v err=%v", ok, err)
	}
	ok, err = r.CompareAndSetStatus(ctx, created.ID, "owner-a", StatusPending, StatusApproved, Outcome{})
	if err != nil || !ok {
		t.Fatalf("pending -> approved: ok=%v err=%v", ok, err)
	}
	ok, err = r.CompareAndSetStatus(ctx, created.ID, "owner-a", StatusApproved, StatusFailed, Outcome{
		Results: []map[string]any{{"action": "create_email"}},
		Error:   "quota",
	})
	if err != nil || !ok {
		t.Fatalf("approved -> failed: ok=%v err=%v", ok, err)
	}

	got, err := r.Get(ctx, "owner-a", created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "quota" || len(got.Results) != 1 {
		t.Fatalf("unexpected record: %#v", got)
	}

	items, err := r.ListByOwner(ctx, "owner-a", ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("unexpected list: %#v", items)
	}
}

func TestRedisConcurrentApproveHasOneWinner(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	created, err := r.Create(ctx, "owner-a", "msg", emailPlans(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.CompareAndSetStatus(ctx, created.ID, "owner-a", StatusPending, StatusApproved, Outcome{})
			if err != nil {
				t.Errorf("CompareAndSetStatus: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
