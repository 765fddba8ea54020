package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// CurrentSchemaVersion is the shape every stored subject and question is migrated to.
const CurrentSchemaVersion = 2

// QuestionV1 is the legacy question record kept under exam_training_questions.
type QuestionV1 struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	Type        string          `json:"type"`
	Difficulty  string          `json:"difficulty"`
	Text        string          `json:"text"`
	Options     json.RawMessage `json:"options"`
	Explanation string          `json:"explanation"`
	Formula     string          `json:"formula"`
	Topic       string          `json:"topic"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
	IsActive    *bool           `json:"isActive"`
	CreatedBy   string          `json:"createdBy"`
}

// SubjectV1 is the legacy subject record kept under exam_training_subjects.
type SubjectV1 struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	Difficulty    string `json:"difficulty"`
	QuestionCount int    `json:"questionCount"`
	IsActive      *bool  `json:"isActive"`
	CreatedBy     string `json:"createdBy"`
	CreatedAt     string `json:"createdAt"`
}

// MigrateQuestionV1ToV2 fills every field missing from a legacy question.
// Ids are left empty when absent; the runner assigns them.
func MigrateQuestionV1ToV2(old QuestionV1, now time.Time) domain.Question {
	var options []domain.Option
	if len(old.Options) > 0 {
		if err := json.Unmarshal(old.Options, &options); err != nil {
			options = nil
		}
	}
	if options == nil {
		options = []domain.Option{}
	}
	q := domain.Question{
		ID:          old.ID,
		Subject:     old.Subject,
		Topic:       old.Topic,
		Type:        domain.QuestionType(stringOr(old.Type, string(domain.QuestionMultipleChoice))),
		Difficulty:  domain.QuestionDifficulty(stringOr(old.Difficulty, string(domain.DifficultyMedium))),
		Text:        old.Text,
		Options:     options,
		Explanation: old.Explanation,
		Formula:     old.Formula,
		CreatedBy:   stringOr(old.CreatedBy, "legacy"),
		IsActive:    old.IsActive == nil || *old.IsActive,
		CreatedAt:   parseTimeOr(old.CreatedAt, now),
		UpdatedAt:   parseTimeOr(old.UpdatedAt, now),
		Version:     CurrentSchemaVersion,
	}
	q.CorrectAnswer = q.CorrectOption()
	return q
}

// MigrateSubjectV1ToV2 stamps the version and refreshes updatedAt.
func MigrateSubjectV1ToV2(old SubjectV1, now time.Time) domain.Subject {
	return domain.Subject{
		ID:            old.ID,
		Name:          old.Name,
		Description:   old.Description,
		Category:      old.Category,
		Difficulty:    domain.SubjectDifficulty(old.Difficulty),
		QuestionCount: old.QuestionCount,
		IsActive:      old.IsActive == nil || *old.IsActive,
		CreatedBy:     old.CreatedBy,
		CreatedAt:     parseTimeOr(old.CreatedAt, now),
		UpdatedAt:     now,
		Version:       CurrentSchemaVersion,
	}
}

// MigrationState is UNMIGRATED -> MIGRATING -> MIGRATED. A failed run drops
// back to UNMIGRATED and the next boot starts over.
type MigrationState string

const (
	StateUnmigrated MigrationState = "UNMIGRATED"
	StateMigrating  MigrationState = "MIGRATING"
	StateMigrated   MigrationState = "MIGRATED"
)

// MigrationRunner upgrades legacy records of one device once per version bump.
type MigrationRunner struct {
	store *LocalStore
	log   *logger.Logger
	now   func() time.Time

	mu    sync.Mutex
	state MigrationState
}

func NewMigrationRunner(store *LocalStore, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		store: store,
		log:   log.With("component", "MigrationRunner"),
		now:   time.Now,
		state: StateUnmigrated,
	}
}

func (r *MigrationRunner) State() MigrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *MigrationRunner) setState(s MigrationState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run migrates legacy keys when the stored marker is behind. Legacy keys are
// deleted only after their migrated form was written, and the marker only
// after every key succeeded.
func (r *MigrationRunner) Run(ctx context.Context) error {
	from := r.store.SchemaVersion(ctx)
	if from >= CurrentSchemaVersion {
		r.setState(StateMigrated)
		return nil
	}

	r.setState(StateMigrating)
	r.log.Info("migrating local schema", "from", from, "to", CurrentSchemaVersion)

	if err := r.run(ctx); err != nil {
		r.setState(StateUnmigrated)
		r.log.Error("local schema migration failed", "from", from, "error", err)
		return err
	}
	r.setState(StateMigrated)
	return nil
}

func (r *MigrationRunner) run(ctx context.Context) error {
	now := r.now().UTC()

	legacyQuestions, found, err := decodeLegacy[QuestionV1](ctx, r.store, KeyLegacyQuestions)
	if err != nil {
		return err
	}
	if found {
		migrated := make([]domain.Question, 0, len(legacyQuestions))
		for _, old := range legacyQuestions {
			q := MigrateQuestionV1ToV2(old, now)
			if q.ID == "" {
				q.ID = newID(prefixQuestion)
			}
			migrated = append(migrated, q)
		}
		merged := appendUnseen(r.store.Questions(ctx), migrated, func(q domain.Question) string { return q.ID })
		if err := r.store.SaveQuestions(ctx, merged); err != nil {
			return err
		}
		if err := r.store.Delete(ctx, KeyLegacyQuestions); err != nil {
			return err
		}
		r.log.Info("migrated legacy questions", "count", len(migrated))
	}

	legacySubjects, found, err := decodeLegacy[SubjectV1](ctx, r.store, KeyLegacySubjects)
	if err != nil {
		return err
	}
	if found {
		migrated := make([]domain.Subject, 0, len(legacySubjects))
		for _, old := range legacySubjects {
			s := MigrateSubjectV1ToV2(old, now)
			if s.ID == "" {
				s.ID = newID(prefixSubject)
			}
			migrated = append(migrated, s)
		}
		merged := appendUnseen(r.store.Subjects(ctx), migrated, func(s domain.Subject) string { return s.ID })
		if err := r.store.SaveSubjects(ctx, merged); err != nil {
			return err
		}
		if err := r.store.Delete(ctx, KeyLegacySubjects); err != nil {
			return err
		}
		r.log.Info("migrated legacy subjects", "count", len(migrated))
	}

	return r.store.SetSchemaVersion(ctx, CurrentSchemaVersion)
}

// decodeLegacy reads a legacy array. Valid JSON that is not an array holds
// nothing to migrate and is reported as found with no records so that the
// key gets dropped; malformed JSON is an error.
func decodeLegacy[T any](ctx context.Context, store *LocalStore, key string) ([]T, bool, error) {
	raw, ok, err := store.Raw(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		if json.Valid([]byte(raw)) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	out := make([]T, 0, len(elems))
	for i, elem := range elems {
		var v T
		if err := json.Unmarshal(elem, &v); err != nil {
			return nil, false, fmt.Errorf("decode %s[%d]: %w", key, i, err)
		}
		out = append(out, v)
	}
	return out, true, nil
}

func appendUnseen[T any](existing, incoming []T, id func(T) string) []T {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[id(e)] = struct{}{}
	}
	for _, in := range incoming {
		if _, ok := seen[id(in)]; ok {
			continue
		}
		seen[id(in)] = struct{}{}
		existing = append(existing, in)
	}
	return existing
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parseTimeOr(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return fallback
}
