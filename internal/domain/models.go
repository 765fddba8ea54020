package domain

import "time"

// SubjectDifficulty grades a subject.
type SubjectDifficulty string

const (
	SubjectBeginner     SubjectDifficulty = "Beginner"
	SubjectIntermediate SubjectDifficulty = "Intermediate"
	SubjectAdvanced     SubjectDifficulty = "Advanced"
)

// QuestionType enumerates supported question formats.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionTrueFalse      QuestionType = "true-false"
	QuestionCalculation    QuestionType = "calculation"
	QuestionCaseStudy      QuestionType = "case-study"
)

// QuestionDifficulty grades a single question.
type QuestionDifficulty string

const (
	DifficultyEasy   QuestionDifficulty = "Easy"
	DifficultyMedium QuestionDifficulty = "Medium"
	DifficultyHard   QuestionDifficulty = "Hard"
)

// Subject is a study subject. Merges match subjects by Name, never by ID.
type Subject struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Category      string            `json:"category"`
	Difficulty    SubjectDifficulty `json:"difficulty"`
	QuestionCount int               `json:"questionCount"`
	IsActive      bool              `json:"isActive"`
	CreatedBy     string            `json:"createdBy,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Version       int               `json:"version,omitempty"`
}

// Option is one answer choice of a question.
type Option struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question is identified across stores by the (Text, Subject) pair.
type Question struct {
	ID            string             `json:"id"`
	SubjectID     string             `json:"subjectId,omitempty"`
	Subject       string             `json:"subject"`
	Topic         string             `json:"topic"`
	Type          QuestionType       `json:"type"`
	Difficulty    QuestionDifficulty `json:"difficulty"`
	Text          string             `json:"text"`
	Options       []Option           `json:"options"`
	CorrectAnswer string             `json:"correctAnswer,omitempty"`
	Explanation   string             `json:"explanation"`
	Formula       string             `json:"formula"`
	CreatedBy     string             `json:"createdBy,omitempty"`
	IsActive      bool               `json:"isActive"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	Version       int                `json:"version"`
}

// CorrectOption returns the text of the first option flagged correct.
func (q Question) CorrectOption() string {
	for _, opt := range q.Options {
		if opt.IsCorrect {
			return opt.Text
		}
	}
	return ""
}

// QuizResult is an immutable entry of the quiz log.
type QuizResult struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Subject        string    `json:"subject"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"totalQuestions"`
	TimeSpent      int       `json:"timeSpent"` // seconds
	WeakTopics     []string  `json:"weakTopics"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PerformanceSnapshot aggregates every QuizResult of one (user, subject).
type PerformanceSnapshot struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Subject          string    `json:"subject"`
	AverageScore     float64   `json:"averageScore"`     // 0-100
	TotalTests       int       `json:"totalTests"`
	AverageTimeSpent float64   `json:"averageTimeSpent"` // minutes
	WeakTopics       []string  `json:"weakTopics"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// AIRecommendation is a difficulty suggestion produced for a subject.
type AIRecommendation struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"userId"`
	Subject               string             `json:"subject"`
	RecommendedDifficulty QuestionDifficulty `json:"recommendedDifficulty"`
	Reasoning             string             `json:"reasoning"`
	CreatedAt             time.Time          `json:"createdAt"`
}

// FlashcardProgress tracks review state for one card of one user.
type FlashcardProgress struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Subject      string     `json:"subject"`
	CardID       string     `json:"cardId"`
	IsKnown      bool       `json:"isKnown"`
	ReviewCount  int        `json:"reviewCount"`
	LastReviewed *time.Time `json:"lastReviewed,omitempty"`
	NextReview   *time.Time `json:"nextReview,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Key is the (user, subject, card) identity used by the local store.
func (p FlashcardProgress) Key() string {
	return p.UserID + "_" + p.Subject + "_" + p.CardID
}

type StudyPreferences struct {
	DefaultSubject   string `json:"defaultSubject"`
	QuestionsPerQuiz int    `json:"questionsPerQuiz"`
	TimeLimit        int    `json:"timeLimit"`
	ShowTimer        bool   `json:"showTimer"`
	AutoSubmit       bool   `json:"autoSubmit"`
}

type NotificationSettings struct {
	Email        bool `json:"email"`
	Push         bool `json:"push"`
	Reminders    bool `json:"reminders"`
	Achievements bool `json:"achievements"`
}

type AppearanceSettings struct {
	FontSize    string `json:"fontSize"`
	CompactMode bool   `json:"compactMode"`
	Theme       string `json:"theme"`
}

// UserSettings holds per-device preferences.
type UserSettings struct {
	StudyPreferences StudyPreferences     `json:"studyPreferences"`
	Notifications    NotificationSettings `json:"notifications"`
	Appearance       AppearanceSettings   `json:"appearance"`
}

// DefaultUserSettings is returned when nothing has been saved yet.
func DefaultUserSettings() UserSettings {
	return UserSettings{
		StudyPreferences: StudyPreferences{
			QuestionsPerQuiz: 10,
			TimeLimit:        30,
			ShowTimer:        true,
		},
		Notifications: NotificationSettings{
			Email:        true,
			Reminders:    true,
			Achievements: true,
		},
		Appearance: AppearanceSettings{
			FontSize: "medium",
			Theme:    "system",
		},
	}
}

// BackupSnapshot is a full point-in-time copy of one device's local store.
type BackupSnapshot struct {
	ID                string                `json:"id"`
	Timestamp         time.Time             `json:"timestamp"`
	Subjects          []Subject             `json:"subjects"`
	Questions         []Question            `json:"questions"`
	QuizResults       []QuizResult          `json:"quizResults"`
	PerformanceData   []PerformanceSnapshot `json:"performanceData"`
	Settings          UserSettings          `json:"settings"`
	FlashcardProgress []FlashcardProgress   `json:"flashcardProgress"`
	AIRecommendations []AIRecommendation    `json:"aiRecommendations"`
}

// Counts is a (subjects, questions) pair.
type Counts struct {
	Subjects  int `json:"subjects"`
	Questions int `json:"questions"`
}

// SyncStatus compares local and cloud collections by size.
type SyncStatus struct {
	IsLoggedIn   bool   `json:"isLoggedIn"`
	HasLocalData bool   `json:"hasLocalData"`
	HasCloudData bool   `json:"hasCloudData"`
	NeedsSync    bool   `json:"needsSync"`
	LocalCounts  Counts `json:"localCounts"`
	CloudCounts  Counts `json:"cloudCounts"`
}

// SyncResult reports the outcome of a push, pull or full sync.
type SyncResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Counts  Counts `json:"counts"`
}

// Preserved counts the records a merge or restore left in the local store.
type Preserved struct {
	Subjects          int  `json:"subjects"`
	Questions         int  `json:"questions"`
	QuizResults       int  `json:"quizResults"`
	PerformanceData   int  `json:"performanceData"`
	FlashcardProgress int  `json:"flashcardProgress"`
	AIRecommendations int  `json:"aiRecommendations"`
	Settings          bool `json:"settings"`
}

// ConflictKind names the collection a merge conflict was found in.
type ConflictKind string

const (
	ConflictSubject  ConflictKind = "subject"
	ConflictQuestion ConflictKind = "question"
)

// Conflict records a natural key present on both sides with diverging fields.
// The cloud copy was kept; LocalID identifies the discarded local record.
type Conflict struct {
	Kind    ConflictKind `json:"kind"`
	Key     string       `json:"key"`
	LocalID string       `json:"localId"`
	CloudID string       `json:"cloudId"`
	Fields  []string     `json:"fields"`
}

// PreservationResult is returned by backup restore and merge operations.
type PreservationResult struct {
	Success   bool       `json:"success"`
	BackupID  string     `json:"backupId,omitempty"`
	Preserved Preserved  `json:"preserved"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Errors    []string   `json:"errors"`
	Timestamp time.Time  `json:"timestamp"`
}

// TotalStats summarises every snapshot of a user.
type TotalStats struct {
	TotalTests     int     `json:"totalTests"`
	AverageScore   float64 `json:"averageScore"`
	TotalTimeSpent float64 `json:"totalTimeSpent"` // minutes
	TotalSubjects  int     `json:"totalSubjects"`
}
