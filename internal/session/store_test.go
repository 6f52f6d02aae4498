package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kliniq/scanplan/internal/schedule"
)

func TestCreateOrGetIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore()
	first, created := store.CreateOrGet("enc-1")
	if !created {
		t.Error("first CreateOrGet should report created")
	}
	if first.State != StateEmpty {
		t.Errorf("new session state = %s, want %s", first.State, StateEmpty)
	}

	if err := store.Update("enc-1", func(s *Session) error {
		s.State = StateRecorded
		s.Transcript = "narrative"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	second, created := store.CreateOrGet("enc-1")
	if created {
		t.Error("second CreateOrGet should not report created")
	}
	if second.State != StateRecorded || second.Transcript != "narrative" {
		t.Errorf("CreateOrGet did not return existing session: %+v", second)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store := NewStore()
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := store.Update("missing", func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update error = %v, want ErrNotFound", err)
	}
	if err := store.Begin("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Begin error = %v, want ErrNotFound", err)
	}
}

func TestSnapshotsDoNotAliasStore(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.CreateOrGet("enc-1")
	if err := store.Update("enc-1", func(s *Session) error {
		s.Entries = []schedule.ScheduleEntry{{ScanID: "S1", ScanType: "MRI"}}
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	snap, err := store.Get("enc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap.Entries[0].ScanType = "CT"
	snap.Transcript = "tampered"

	fresh, err := store.Get("enc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Entries[0].ScanType != "MRI" || fresh.Transcript != "" {
		t.Errorf("snapshot mutation leaked into store: %+v", fresh)
	}
}

func TestUpdateFailureLeavesNoPartialWrite(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.CreateOrGet("enc-1")

	boom := errors.New("mutator failed")
	err := store.Update("enc-1", func(s *Session) error {
		s.State = StateRecorded
		s.Transcript = "half-written"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want mutator error", err)
	}

	snap, _ := store.Get("enc-1")
	if snap.State != StateEmpty || snap.Transcript != "" {
		t.Errorf("failed update left partial write: %+v", snap)
	}
}

func TestBeginEndGuard(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.CreateOrGet("enc-1")
	store.CreateOrGet("enc-2")

	if err := store.Begin("enc-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.Begin("enc-1"); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("second Begin error = %v, want ErrConcurrentModification", err)
	}
	// A different session is never serialized against enc-1.
	if err := store.Begin("enc-2"); err != nil {
		t.Errorf("Begin on other session: %v", err)
	}

	store.End("enc-1")
	if err := store.Begin("enc-1"); err != nil {
		t.Errorf("Begin after End: %v", err)
	}
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.CreateOrGet("enc-1")

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Begin("enc-1"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestSessionIsolation(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.CreateOrGet("enc-a")
	store.CreateOrGet("enc-b")

	var wg sync.WaitGroup
	for _, tc := range []struct{ id, transcript string }{
		{"enc-a", "narrative a"},
		{"enc-b", "narrative b"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(tc.id, func(s *Session) error {
				s.State = StateRecorded
				s.Transcript = tc.transcript
				return nil
			})
		}()
	}
	wg.Wait()

	a, _ := store.Get("enc-a")
	b, _ := store.Get("enc-b")
	if a.Transcript != "narrative a" || b.Transcript != "narrative b" {
		t.Errorf("cross-session leakage: a=%q b=%q", a.Transcript, b.Transcript)
	}
}

func TestEviction(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}

	store := NewStore(WithTTL(30*time.Minute), WithTerminalRetention(10*time.Minute), WithClock(now))

	store.CreateOrGet("idle")
	store.CreateOrGet("done")
	_ = store.Update("done", func(s *Session) error {
		s.State = StateOptimized
		return nil
	})
	store.CreateOrGet("busy")
	if err := store.Begin("busy"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Terminal retention passes first.
	advance(11 * time.Minute)
	store.evictExpired()
	if _, err := store.Get("done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal session not evicted after retention: %v", err)
	}
	if _, err := store.Get("idle"); err != nil {
		t.Errorf("idle session evicted too early: %v", err)
	}

	// Full TTL passes; the in-flight session must survive.
	advance(20 * time.Minute)
	store.evictExpired()
	if _, err := store.Get("idle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("idle session not evicted after TTL: %v", err)
	}
	if _, err := store.Get("busy"); err != nil {
		t.Errorf("in-flight session evicted: %v", err)
	}

	// Once the transition ends the janitor may collect it.
	store.End("busy")
	store.evictExpired()
	if _, err := store.Get("busy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("finished session not evicted: %v", err)
	}
}
