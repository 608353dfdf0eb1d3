package store

import (
	"sync"
	"testing"
	"time"

	"atrium-realtime/internal/model"
)

func TestNewStoreDefaults(t *testing.T) {
	s := New()
	if s.Position() != Origin {
		t.Fatalf("expected origin, got %+v", s.Position())
	}
	if len(s.Participants()) != 0 {
		t.Fatalf("expected empty directory")
	}
	if len(s.Traces()) != 0 {
		t.Fatalf("expected no traces")
	}
}

func TestPositionIsTotalReplace(t *testing.T) {
	s := New()
	s.SetPosition(Position{X: -1e9, Y: 42})
	if got := s.Position(); got.X != -1e9 || got.Y != 42 {
		t.Fatalf("unexpected position %+v", got)
	}
}

func TestSetColorKeepsIdentity(t *testing.T) {
	s := New()
	s.SetLocalPlayer(LocalPlayer{UserID: "u1", Username: "mira", Color: "red"})
	s.SetColor("blue")

	p := s.LocalPlayer()
	if p.UserID != "u1" || p.Username != "mira" || p.Color != "blue" {
		t.Fatalf("unexpected player %+v", p)
	}
}

func TestParticipantDirectory(t *testing.T) {
	s := New()
	s.UpsertParticipant(Participant{ID: "a", X: 1})
	s.UpsertParticipant(Participant{ID: "b", X: 2})
	s.UpsertParticipant(Participant{ID: "a", X: 3})

	dir := s.Participants()
	if len(dir) != 2 || dir["a"].X != 3 {
		t.Fatalf("unexpected directory %+v", dir)
	}

	// returned map is a copy
	delete(dir, "a")
	if _, ok := s.Participant("a"); !ok {
		t.Fatalf("mutating the copy changed the store")
	}

	s.RemoveParticipant("a")
	s.RemoveParticipant("missing")
	if _, ok := s.Participant("a"); ok {
		t.Fatalf("participant a should be removed")
	}
	s.ClearParticipants()
	if len(s.Participants()) != 0 {
		t.Fatalf("expected empty directory after clear")
	}
}

func TestTraceOperations(t *testing.T) {
	s := New()
	s.SetTraces([]model.Trace{{ID: "t1"}, {ID: "t2"}})
	s.UpsertTrace(model.Trace{ID: "t3"})
	s.UpsertTrace(model.Trace{ID: "t1", Content: "edited"})
	s.RemoveTrace("t2")

	if s.TraceCount() != 2 {
		t.Fatalf("expected 2 traces, got %d", s.TraceCount())
	}
	if tr, _ := s.Trace("t1"); tr.Content != "edited" {
		t.Fatalf("upsert did not replace t1: %+v", tr)
	}

	s.SetTraces([]model.Trace{{ID: "x"}})
	if _, ok := s.Trace("t1"); ok {
		t.Fatalf("SetTraces must replace the whole collection")
	}
}

func TestTracesDrawOrder(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetTraces([]model.Trace{
		{ID: "top", ZIndex: 5, CreatedAt: now},
		{ID: "new", ZIndex: 0, CreatedAt: now.Add(time.Minute)},
		{ID: "old", ZIndex: 0, CreatedAt: now},
	})

	var ids []string
	for _, tr := range s.Traces() {
		ids = append(ids, tr.ID)
	}
	want := []string{"old", "new", "top"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("draw order = %v, want %v", ids, want)
		}
	}
}

func TestWatchCoalesces(t *testing.T) {
	s := New()
	ch, cancel := s.Watch()
	defer cancel()

	for i := 0; i < 10; i++ {
		s.SetPosition(Position{X: float64(i)})
	}

	select {
	case <-ch:
	default:
		t.Fatalf("expected a notification")
	}
	select {
	case <-ch:
		t.Fatalf("expected notifications to coalesce")
	default:
	}
}

func TestWatchCancel(t *testing.T) {
	s := New()
	ch, cancel := s.Watch()
	cancel()

	s.UpsertTrace(model.Trace{ID: "t1"})
	select {
	case <-ch:
		t.Fatalf("cancelled watcher was notified")
	default:
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.SetPosition(Position{X: float64(j)})
				s.UpsertParticipant(Participant{ID: "p"})
				s.UpsertTrace(model.Trace{ID: "t"})
				_ = s.Traces()
				_ = s.Participants()
				_ = s.Position()
			}
		}(i)
	}
	wg.Wait()

	if s.TraceCount() != 1 || len(s.Participants()) != 1 {
		t.Fatalf("unexpected state after concurrent writes")
	}
}
