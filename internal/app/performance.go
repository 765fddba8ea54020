package app

import (
	"context"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// PerformanceAggregator maintains one running snapshot per (user, subject).
type PerformanceAggregator struct {
	store *LocalStore
	log   *logger.Logger
	now   func() time.Time
}

func NewPerformanceAggregator(store *LocalStore, log *logger.Logger) *PerformanceAggregator {
	return &PerformanceAggregator{
		store: store,
		log:   log.With("component", "PerformanceAggregator"),
		now:   time.Now,
	}
}

// SaveQuizResult appends r to the result log and folds it into the snapshot.
func (a *PerformanceAggregator) SaveQuizResult(ctx context.Context, r domain.QuizResult) (domain.QuizResult, domain.PerformanceSnapshot, error) {
	if err := domain.ValidateResult(r.Score, r.TotalQuestions, r.TimeSpent); err != nil {
		return domain.QuizResult{}, domain.PerformanceSnapshot{}, err
	}
	r.ID = newID(prefixQuizResult)
	r.CreatedAt = a.now().UTC()
	r.WeakTopics = mergeTopics(nil, r.WeakTopics)

	results := append(a.store.QuizResults(ctx), r)
	if err := a.store.SaveQuizResults(ctx, results); err != nil {
		return domain.QuizResult{}, domain.PerformanceSnapshot{}, err
	}
	snapshot, err := a.RecordResult(ctx, r.UserID, r.Subject, r.Score, r.TotalQuestions, r.TimeSpent, r.WeakTopics)
	if err != nil {
		return r, domain.PerformanceSnapshot{}, err
	}
	return r, snapshot, nil
}

// RecordResult updates the running averages in O(1):
// new = (old*n + value) / (n+1). Weak topics only accumulate.
func (a *PerformanceAggregator) RecordResult(ctx context.Context, userID, subject string, score, totalQuestions, timeSpentSeconds int, weakTopics []string) (domain.PerformanceSnapshot, error) {
	if err := domain.ValidateResult(score, totalQuestions, timeSpentSeconds); err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	scorePct := float64(score) / float64(totalQuestions) * 100
	minutes := float64(timeSpentSeconds) / 60

	data := a.store.Performance(ctx)
	idx := findSnapshot(data, userID, subject)

	var snapshot domain.PerformanceSnapshot
	if idx < 0 {
		snapshot = domain.PerformanceSnapshot{
			ID:               newID(prefixPerformance),
			UserID:           userID,
			Subject:          subject,
			AverageScore:     round2(scorePct),
			TotalTests:       1,
			AverageTimeSpent: round2(minutes),
			WeakTopics:       mergeTopics(nil, weakTopics),
			LastUpdated:      a.now().UTC(),
		}
		data = append(data, snapshot)
	} else {
		old := data[idx]
		n := float64(old.TotalTests)
		total := old.TotalTests + 1
		snapshot = domain.PerformanceSnapshot{
			ID:               old.ID,
			UserID:           old.UserID,
			Subject:          old.Subject,
			AverageScore:     round2((old.AverageScore*n + scorePct) / float64(total)),
			TotalTests:       total,
			AverageTimeSpent: round2((old.AverageTimeSpent*n + minutes) / float64(total)),
			WeakTopics:       mergeTopics(old.WeakTopics, weakTopics),
			LastUpdated:      a.now().UTC(),
		}
		data[idx] = snapshot
	}

	if err := a.store.SavePerformance(ctx, data); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Snapshot returns the stored aggregate of (userID, subject).
func (a *PerformanceAggregator) Snapshot(ctx context.Context, userID, subject string) (domain.PerformanceSnapshot, bool) {
	data := a.store.Performance(ctx)
	if idx := findSnapshot(data, userID, subject); idx >= 0 {
		return data[idx], true
	}
	return domain.PerformanceSnapshot{}, false
}

// Recompute rebuilds the snapshot from the full result log, repairing any
// drift left by edited or deleted results. With no results the snapshot is
// removed and false is returned.
func (a *PerformanceAggregator) Recompute(ctx context.Context, userID, subject string) (domain.PerformanceSnapshot, bool, error) {
	var (
		count      int
		scoreSum   float64
		minutesSum float64
		topics     []string
	)
	for _, r := range a.store.QuizResults(ctx) {
		if r.UserID != userID || r.Subject != subject || r.TotalQuestions <= 0 {
			continue
		}
		count++
		scoreSum += float64(r.Score) / float64(r.TotalQuestions) * 100
		minutesSum += float64(r.TimeSpent) / 60
		topics = mergeTopics(topics, r.WeakTopics)
	}

	data := a.store.Performance(ctx)
	idx := findSnapshot(data, userID, subject)

	if count == 0 {
		if idx >= 0 {
			data = append(data[:idx], data[idx+1:]...)
			if err := a.store.SavePerformance(ctx, data); err != nil {
				return domain.PerformanceSnapshot{}, false, err
			}
		}
		return domain.PerformanceSnapshot{}, false, nil
	}

	snapshot := domain.PerformanceSnapshot{
		UserID:           userID,
		Subject:          subject,
		AverageScore:     round2(scoreSum / float64(count)),
		TotalTests:       count,
		AverageTimeSpent: round2(minutesSum / float64(count)),
		WeakTopics:       topics,
		LastUpdated:      a.now().UTC(),
	}
	if idx >= 0 {
		snapshot.ID = data[idx].ID
		data[idx] = snapshot
	} else {
		snapshot.ID = newID(prefixPerformance)
		data = append(data, snapshot)
	}
	if err := a.store.SavePerformance(ctx, data); err != nil {
		return snapshot, true, err
	}
	a.log.Info("performance recomputed", "subject", subject, "tests", count)
	return snapshot, true, nil
}

// ClearWeakTopics empties the weak-topic set of one snapshot.
func (a *PerformanceAggregator) ClearWeakTopics(ctx context.Context, userID, subject string) error {
	data := a.store.Performance(ctx)
	idx := findSnapshot(data, userID, subject)
	if idx < 0 {
		return nil
	}
	data[idx].WeakTopics = []string{}
	data[idx].LastUpdated = a.now().UTC()
	return a.store.SavePerformance(ctx, data)
}

func findSnapshot(data []domain.PerformanceSnapshot, userID, subject string) int {
	for i := range data {
		if data[i].UserID == userID && data[i].Subject == subject {
			return i
		}
	}
	return -1
}

// mergeTopics returns the ordered union of existing and add without duplicates.
func mergeTopics(existing, add []string) []string {
	out := make([]string, 0, len(existing)+len(add))
	seen := make(map[string]struct{}, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, t := range list {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
