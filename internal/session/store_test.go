package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/reasoning"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	rec, err := Update(ctx, s, "call-1", func(r *Record) error {
		r.CallerNumber = "+15550102000"
		r.Conversation.State = conversation.StateSlotCollection
		r.History = append(r.History, reasoning.UserItem("I need an oil change"))
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("Version = %d, want 1", rec.Version)
	}

	got, err := s.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Conversation.State != conversation.StateSlotCollection || len(got.History) != 1 || got.Version != 1 {
		t.Fatalf("Get() = %+v", got)
	}

	stale := got.Clone()
	if _, err := Update(ctx, s, "call-1", func(r *Record) error { r.Turns++; return nil }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.CompareAndSwap(ctx, stale, stale.Version); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale CompareAndSwap() error = %v, want ErrConflict", err)
	}
	if err := s.CompareAndSwap(ctx, &Record{CallID: "call-1"}, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("create-over-existing error = %v, want ErrConflict", err)
	}

	if err := s.Put(ctx, stale); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "call-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "call-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(deleted) error = %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore(time.Minute))
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, time.Minute)
	defer s.Close()
	storeContract(t, s)
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	defer s.Close()

	if err := s.Put(context.Background(), &Record{CallID: "call-ttl"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(context.Background(), "call-ttl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(expired) error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("CALLCORE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CALLCORE_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url, time.Minute)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer s.Close()
	_ = s.Delete(context.Background(), "call-1")
	storeContract(t, s)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	var mu sync.Mutex
	var expired []string
	s.SetExpireHook(func(r *Record) {
		mu.Lock()
		expired = append(expired, r.CallID)
		mu.Unlock()
	})
	if err := s.Put(context.Background(), &Record{CallID: "c1", Status: StatusActive}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", s.ActiveCount())
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(context.Background(), "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(expired) error = %v", err)
	}
	// An expired record no longer blocks creation.
	if err := s.CompareAndSwap(context.Background(), &Record{CallID: "c2"}, 0); err != nil {
		t.Fatalf("CompareAndSwap(create) error = %v", err)
	}
	s.expire()
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "c1" {
		t.Fatalf("expired = %v", expired)
	}
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()
	attempts := 0
	_, err := Update(ctx, s, "c1", func(r *Record) error {
		attempts++
		if attempts == 1 {
			// Another writer lands between our read and write.
			if err := s.Put(ctx, &Record{CallID: "c1", Turns: 7}); err != nil {
				return err
			}
		}
		r.Turns++
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ := s.Get(ctx, "c1")
	if attempts != 2 || got.Turns != 8 {
		t.Fatalf("attempts = %d turns = %d", attempts, got.Turns)
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	r := &Record{
		CallID:  "c1",
		History: []reasoning.Item{reasoning.CallItem(reasoning.ToolCall{ID: "x", Name: "lookup_customer", Arguments: json.RawMessage(`{}`)})},
		Conversation: conversation.Snapshot{
			Caller: &conversation.Caller{ID: "cus_1"},
		},
	}
	c := r.Clone()
	c.History[0].Call.Name = "changed"
	c.Conversation.Caller.ID = "other"
	if r.History[0].Call.Name != "lookup_customer" || r.Conversation.Caller.ID != "cus_1" {
		t.Fatalf("Clone() shares memory with the original")
	}
}
