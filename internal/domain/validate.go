package domain

import "strings"

const (
	CodeTextRequired        = "TEXT_REQUIRED"
	CodeSubjectRequired     = "SUBJECT_REQUIRED"
	CodeExplanationRequired = "EXPLANATION_REQUIRED"
	CodeTooFewOptions       = "TOO_FEW_OPTIONS"
	CodeCorrectAnswerCount  = "CORRECT_ANSWER_COUNT"
	CodeInvalidResult       = "INVALID_RESULT"
)

// ValidateQuestion checks the fields a question needs before it is stored.
func ValidateQuestion(q Question) error {
	if strings.TrimSpace(q.Text) == "" {
		return invalid(CodeTextRequired, "question text is required")
	}
	if strings.TrimSpace(q.Subject) == "" {
		return invalid(CodeSubjectRequired, "subject is required")
	}
	if strings.TrimSpace(q.Explanation) == "" {
		return invalid(CodeExplanationRequired, "explanation is required")
	}
	if q.Type != QuestionMultipleChoice {
		return nil
	}
	if len(q.Options) < 2 {
		return invalid(CodeTooFewOptions, "multiple choice questions must have at least 2 options")
	}
	correct := 0
	for _, opt := range q.Options {
		if opt.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return invalid(CodeCorrectAnswerCount, "multiple choice questions must have exactly 1 correct answer")
	}
	return nil
}

// ValidateResult rejects quiz results the aggregator cannot average.
func ValidateResult(score, totalQuestions, timeSpent int) error {
	if totalQuestions <= 0 {
		return invalid(CodeInvalidResult, "totalQuestions must be positive")
	}
	if score < 0 || score > totalQuestions {
		return invalid(CodeInvalidResult, "score must be between 0 and totalQuestions")
	}
	if timeSpent < 0 {
		return invalid(CodeInvalidResult, "timeSpent must not be negative")
	}
	return nil
}

// SubjectKey is the natural key of a subject: its exact name. "Fizik" and
// "FIZIK" are different subjects.
func SubjectKey(s Subject) string {
	return s.Name
}

// QuestionKey is the natural key of a question: exact text within an exact
// subject name.
func QuestionKey(q Question) string {
	return q.Text + "\x00" + q.Subject
}
