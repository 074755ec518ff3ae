package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conductor-ai/internal/domain"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "data", "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func taskRecord(id string, started time.Time) domain.TaskRecord {
	return domain.TaskRecord{
		ID:       id,
		Key:      domain.SessionKey{ActorID: "u1", ConversationID: "c1", Role: "builder"},
		State:    domain.TaskCompleted,
		Provider: "cloud",
		Model:    "gen2",
		Attempts: []domain.Attempt{
			{Provider: "cli", Model: "gen2", Rank: 1, Class: domain.FailureQuotaExceeded, Reason: "result-error"},
		},
		StartedAt: started,
		EndedAt:   started.Add(3 * time.Second),
	}
}

func TestSQLiteJournalRecordAndGet(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := taskRecord("01A", started)
	rec.ParentID = "01P"
	rec.Depth = 1
	if err := j.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Get(ctx, "01A")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != domain.TaskCompleted || got.Provider != "cloud" || got.Model != "gen2" {
		t.Errorf("got %+v", got)
	}
	if got.ParentID != "01P" || got.Depth != 1 {
		t.Errorf("parent/depth = %q/%d", got.ParentID, got.Depth)
	}
	if got.Key != rec.Key {
		t.Errorf("Key = %+v, want %+v", got.Key, rec.Key)
	}
	if len(got.Attempts) != 1 || got.Attempts[0].Class != domain.FailureQuotaExceeded {
		t.Errorf("Attempts = %+v", got.Attempts)
	}
	if !got.StartedAt.Equal(started) || !got.EndedAt.Equal(started.Add(3*time.Second)) {
		t.Errorf("times = %v / %v", got.StartedAt, got.EndedAt)
	}
}

func TestSQLiteJournalGetMissing(t *testing.T) {
	j := newTestJournal(t)
	_, err := j.Get(context.Background(), "nope")
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestSQLiteJournalRecordReplaces(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	rec := taskRecord("01A", time.Now())
	if err := j.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.State = domain.TaskFailed
	rec.ErrorCode = domain.CodeAllProvidersExhausted
	rec.ErrorMessage = "all providers exhausted"
	if err := j.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := j.Get(ctx, "01A")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.TaskFailed || got.ErrorCode != domain.CodeAllProvidersExhausted {
		t.Errorf("got %s/%s", got.State, got.ErrorCode)
	}
}

func TestSQLiteJournalListByConversation(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"01A", "01B", "01C"} {
		if err := j.Record(ctx, taskRecord(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	other := taskRecord("01Z", base)
	other.Key.ConversationID = "c2"
	if err := j.Record(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := j.ListByConversation(ctx, "u1", "c1", 2)
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ID != "01C" || got[1].ID != "01B" {
		t.Errorf("order = %s, %s; want newest first", got[0].ID, got[1].ID)
	}
}

func TestSQLiteJournalPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := j.Record(ctx, taskRecord("old", base)); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, taskRecord("new", base.Add(48*time.Hour))); err != nil {
		t.Fatal(err)
	}

	n, err := j.Prune(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := j.Get(ctx, "old"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	if _, err := j.Get(ctx, "new"); err != nil {
		t.Errorf("new record pruned: %v", err)
	}
}

func TestSQLiteJournalSubSecondOrdering(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	whole := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	half := whole.Add(500 * time.Millisecond)

	// IDs sort opposite to start time so only the timestamp decides order.
	if err := j.Record(ctx, taskRecord("01B", whole)); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, taskRecord("01A", half)); err != nil {
		t.Fatal(err)
	}

	recs, err := j.ListByConversation(ctx, "u1", "c1", 10)
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "01A" || recs[1].ID != "01B" {
		t.Fatalf("order = %v, want newest first [01A 01B]", recs)
	}
	if !recs[0].StartedAt.Equal(half) {
		t.Errorf("started_at = %v, want %v", recs[0].StartedAt, half)
	}

	n, err := j.Prune(ctx, half.Add(3*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := j.Get(ctx, "01B"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("earlier record still present: %v", err)
	}
}
