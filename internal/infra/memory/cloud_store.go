package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"study-sync-service/internal/domain"
)

// CloudStore is an in-memory app.CloudStore that also implements
// app.ChangeFeed for question rows. Useful for tests and single-node demos.
type CloudStore struct {
	clock func() time.Time

	mu          sync.RWMutex
	subjects    []domain.Subject
	questions   []domain.Question
	subscribers map[string]map[chan domain.ChangeEvent]struct{}
}

func NewCloudStore() *CloudStore {
	return &CloudStore{
		clock:       time.Now,
		subscribers: make(map[string]map[chan domain.ChangeEvent]struct{}),
	}
}

func (s *CloudStore) ListSubjects(_ context.Context, userID string) ([]domain.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Subject, 0)
	for _, subject := range s.subjects {
		if subject.CreatedBy == userID {
			out = append(out, subject)
		}
	}
	return out, nil
}

func (s *CloudStore) ListQuestions(_ context.Context, userID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Question, 0)
	for _, q := range s.questions {
		if q.CreatedBy == userID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *CloudStore) InsertSubject(_ context.Context, subject domain.Subject) (domain.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subjects {
		if existing.ID == subject.ID {
			return domain.Subject{}, fmt.Errorf("subject %s: %w", subject.ID, domain.ErrDuplicateID)
		}
	}
	now := s.clock().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}
	subject.UpdatedAt = now
	s.subjects = append(s.subjects, subject)
	return subject, nil
}

func (s *CloudStore) InsertQuestion(_ context.Context, q domain.Question) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(q.ID) >= 0 {
		return domain.Question{}, fmt.Errorf("question %s: %w", q.ID, domain.ErrDuplicateID)
	}
	now := s.clock().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	s.questions = append(s.questions, q)
	s.broadcastLocked(domain.ChangeEvent{Op: domain.ChangeInsert, Question: q})
	return q, nil
}

// UpdateQuestion replaces a stored question.
func (s *CloudStore) UpdateQuestion(_ context.Context, q domain.Question) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(q.ID)
	if idx < 0 {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	q.UpdatedAt = s.clock().UTC()
	s.questions[idx] = q
	s.broadcastLocked(domain.ChangeEvent{Op: domain.ChangeUpdate, Question: q})
	return q, nil
}

// DeleteQuestion removes a stored question.
func (s *CloudStore) DeleteQuestion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return domain.ErrQuestionNotFound
	}
	q := s.questions[idx]
	s.questions = append(s.questions[:idx], s.questions[idx+1:]...)
	s.broadcastLocked(domain.ChangeEvent{Op: domain.ChangeDelete, Question: q})
	return nil
}

// Subscribe streams question changes owned by userID.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *CloudStore) Subscribe(_ context.Context, userID string) (<-chan domain.ChangeEvent, func(), error) {
	ch := make(chan domain.ChangeEvent, 32)

	s.mu.Lock()
	if s.subscribers[userID] == nil {
		s.subscribers[userID] = make(map[chan domain.ChangeEvent]struct{})
	}
	s.subscribers[userID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if subs, ok := s.subscribers[userID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(s.subscribers, userID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *CloudStore) indexLocked(id string) int {
	for i := range s.questions {
		if s.questions[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *CloudStore) broadcastLocked(ev domain.ChangeEvent) {
	for ch := range s.subscribers[ev.Question.CreatedBy] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can recover with a full reload.
		}
	}
}
