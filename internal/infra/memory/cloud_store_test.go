package memory

import (
	"context"
	"testing"
	"time"

	"study-sync-service/internal/domain"
)

func TestCloudStoreFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	store := NewCloudStore()
	_, _ = store.InsertSubject(ctx, domain.Subject{ID: "s1", Name: "Fizik", CreatedBy: "u1"})
	_, _ = store.InsertSubject(ctx, domain.Subject{ID: "s2", Name: "Kimya", CreatedBy: "u2"})

	subjects, err := store.ListSubjects(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subjects) != 1 || subjects[0].Name != "Fizik" {
		t.Fatalf("unexpected subjects %+v", subjects)
	}
	if _, err := store.InsertSubject(ctx, domain.Subject{ID: "s1", Name: "Tarih", CreatedBy: "u1"}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestCloudStoreStreamsQuestionChanges(t *testing.T) {
	ctx := context.Background()
	store := NewCloudStore()
	ch, cancel, err := store.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	_, _ = store.InsertQuestion(ctx, domain.Question{ID: "q2", Text: "other", CreatedBy: "u2"})
	q, _ := store.InsertQuestion(ctx, domain.Question{ID: "q1", Text: "mine", CreatedBy: "u1"})
	if err := store.DeleteQuestion(ctx, q.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []domain.ChangeOp{domain.ChangeInsert, domain.ChangeDelete}
	for _, op := range want {
		select {
		case ev := <-ch:
			if ev.Op != op || ev.Question.ID != "q1" {
				t.Fatalf("expected %s q1, got %s %s", op, ev.Op, ev.Question.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", op)
		}
	}
}
