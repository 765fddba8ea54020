package app

import (
	"math"

	"github.com/google/uuid"
)

const (
	prefixSubject        = "subj"
	prefixQuestion       = "q"
	prefixQuizResult     = "quiz"
	prefixPerformance    = "perf"
	prefixFlashcard      = "flashcard"
	prefixRecommendation = "ai_rec"
	prefixBackup         = "backup"
)

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
