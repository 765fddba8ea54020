package app_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"study-sync-service/internal/domain"
)

func TestRecordResultFirstQuiz(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	snapshot, err := env.device.Performance.RecordResult(ctx, "guest", "Tarih", 15, 15, 900, nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if snapshot.AverageScore != 100 || snapshot.AverageTimeSpent != 15 || snapshot.TotalTests != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	stored, ok := env.device.Performance.Snapshot(ctx, "guest", "Tarih")
	if !ok || stored.ID != snapshot.ID {
		t.Fatalf("expected stored snapshot, got %+v %v", stored, ok)
	}
}

func TestRecordResultRunningAverageMatchesMean(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rnd := rand.New(rand.NewSource(42))

	const n = 40
	var scoreSum, minutesSum float64
	var snapshot domain.PerformanceSnapshot
	for i := 0; i < n; i++ {
		total := 1 + rnd.Intn(30)
		score := rnd.Intn(total + 1)
		seconds := rnd.Intn(3600)
		scoreSum += float64(score) / float64(total) * 100
		minutesSum += float64(seconds) / 60

		var err error
		snapshot, err = env.device.Performance.RecordResult(ctx, "u1", "Fizik", score, total, seconds, nil)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	tolerance := 0.003 * float64(n+1)
	if snapshot.TotalTests != n {
		t.Fatalf("expected %d tests, got %d", n, snapshot.TotalTests)
	}
	if diff := math.Abs(snapshot.AverageScore - scoreSum/n); diff > tolerance {
		t.Fatalf("average score drifted by %f", diff)
	}
	if diff := math.Abs(snapshot.AverageTimeSpent - minutesSum/n); diff > tolerance {
		t.Fatalf("average time drifted by %f", diff)
	}
}

func TestRecordResultAccumulatesWeakTopics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	agg := env.device.Performance

	_, _ = agg.RecordResult(ctx, "u1", "Kimya", 5, 10, 60, []string{"asitler", "bazlar"})
	snapshot, err := agg.RecordResult(ctx, "u1", "Kimya", 10, 10, 60, []string{"bazlar", "tuzlar"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	want := []string{"asitler", "bazlar", "tuzlar"}
	if len(snapshot.WeakTopics) != len(want) {
		t.Fatalf("expected %v, got %v", want, snapshot.WeakTopics)
	}
	for i := range want {
		if snapshot.WeakTopics[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, snapshot.WeakTopics)
		}
	}

	if err := agg.ClearWeakTopics(ctx, "u1", "Kimya"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cleared, _ := agg.Snapshot(ctx, "u1", "Kimya")
	if len(cleared.WeakTopics) != 0 || cleared.TotalTests != 2 {
		t.Fatalf("unexpected snapshot after clear %+v", cleared)
	}
}

func TestRecordResultRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cases := []struct {
		name                string
		score, total, spent int
	}{
		{"no questions", 0, 0, 10},
		{"score above total", 11, 10, 10},
		{"negative score", -1, 10, 10},
		{"negative time", 5, 10, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.device.Performance.RecordResult(ctx, "u1", "Fizik", tc.score, tc.total, tc.spent, nil)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, ok := env.device.Performance.Snapshot(ctx, "u1", "Fizik"); ok {
		t.Fatalf("expected no snapshot after rejected results")
	}
}

func TestSaveQuizResultAndRecompute(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	agg := env.device.Performance

	for _, score := range []int{3, 7, 10} {
		_, _, err := agg.SaveQuizResult(ctx, domain.QuizResult{
			UserID: "u1", Subject: "Biyoloji", Score: score, TotalQuestions: 10, TimeSpent: 120,
			WeakTopics: []string{"hücre"},
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if got := len(env.device.Store.QuizResults(ctx)); got != 3 {
		t.Fatalf("expected 3 logged results, got %d", got)
	}

	incremental, _ := agg.Snapshot(ctx, "u1", "Biyoloji")
	rebuilt, ok, err := agg.Recompute(ctx, "u1", "Biyoloji")
	if err != nil || !ok {
		t.Fatalf("recompute: %v %v", ok, err)
	}
	if rebuilt.ID != incremental.ID || rebuilt.TotalTests != 3 || rebuilt.AverageScore != 66.67 || rebuilt.AverageTimeSpent != 2 {
		t.Fatalf("unexpected rebuilt snapshot %+v", rebuilt)
	}

	if err := env.device.Store.SaveQuizResults(ctx, nil); err != nil {
		t.Fatalf("clear results: %v", err)
	}
	if _, ok, _ := agg.Recompute(ctx, "u1", "Biyoloji"); ok {
		t.Fatalf("expected no snapshot without results")
	}
	if _, ok := agg.Snapshot(ctx, "u1", "Biyoloji"); ok {
		t.Fatalf("expected snapshot removed")
	}
}
