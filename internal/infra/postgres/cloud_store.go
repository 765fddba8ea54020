package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"study-sync-service/internal/domain"
)

type subjectRow struct {
	bun.BaseModel `bun:"table:subjects,alias:s"`

	ID            string    `bun:"id,pk"`
	Name          string    `bun:"name,notnull"`
	Description   string    `bun:"description"`
	Category      string    `bun:"category"`
	Difficulty    string    `bun:"difficulty"`
	QuestionCount int       `bun:"question_count"`
	IsActive      bool      `bun:"is_active"`
	CreatedBy     string    `bun:"created_by,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
	Version       int       `bun:"version"`
}

// questionRow doubles as the decoding target of change notifications, whose
// payload is row_to_json of the same table.
type questionRow struct {
	bun.BaseModel `bun:"table:questions,alias:q"`

	ID            string          `bun:"id,pk" json:"id"`
	SubjectID     string          `bun:"subject_id,nullzero" json:"subject_id"`
	Subject       string          `bun:"subject,notnull" json:"subject"`
	Topic         string          `bun:"topic" json:"topic"`
	Type          string          `bun:"type" json:"type"`
	Difficulty    string          `bun:"difficulty" json:"difficulty"`
	Text          string          `bun:"text,notnull" json:"text"`
	Options       []domain.Option `bun:"options,type:jsonb" json:"options"`
	CorrectAnswer string          `bun:"correct_answer" json:"correct_answer"`
	Explanation   string          `bun:"explanation" json:"explanation"`
	Formula       string          `bun:"formula" json:"formula"`
	CreatedBy     string          `bun:"created_by,notnull" json:"created_by"`
	IsActive      bool            `bun:"is_active" json:"is_active"`
	CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time       `bun:"updated_at,notnull" json:"updated_at"`
	Version       int             `bun:"version" json:"version"`
}

// CloudStore is the app.CloudStore backed by the subjects and questions tables.
type CloudStore struct {
	db    *bun.DB
	clock func() time.Time
}

func NewCloudStore(db *bun.DB) *CloudStore {
	return &CloudStore{db: db, clock: time.Now}
}

func (s *CloudStore) ListSubjects(ctx context.Context, userID string) ([]domain.Subject, error) {
	var rows []subjectRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("created_by = ?", userID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	out := make([]domain.Subject, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *CloudStore) ListQuestions(ctx context.Context, userID string) ([]domain.Question, error) {
	var rows []questionRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("created_by = ?", userID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	out := make([]domain.Question, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// GetQuestion loads one question by id.
func (s *CloudStore) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	var row questionRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("get question: %w", err)
	}
	return row.toDomain(), nil
}

func (s *CloudStore) InsertSubject(ctx context.Context, subject domain.Subject) (domain.Subject, error) {
	row := subjectFromDomain(subject, s.clock())
	if _, err := s.db.NewInsert().Model(&row).Returning("*").Exec(ctx); err != nil {
		return domain.Subject{}, insertError("insert subject", err)
	}
	return row.toDomain(), nil
}

func (s *CloudStore) InsertQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	row := questionFromDomain(q, s.clock())
	if _, err := s.db.NewInsert().Model(&row).Returning("*").Exec(ctx); err != nil {
		return domain.Question{}, insertError("insert question", err)
	}
	return row.toDomain(), nil
}

// insertError maps a primary key violation to domain.ErrDuplicateID so
// callers can retry with a fresh id. Other unique violations pass through.
func insertError(op string, err error) error {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == "23505" && strings.HasSuffix(pgErr.Field('n'), "_pkey") {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrDuplicateID, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// stamp normalises t to what a timestamptz column returns.
func stamp(t, now time.Time) time.Time {
	if t.IsZero() {
		t = now
	}
	return t.UTC().Truncate(time.Microsecond)
}

func subjectFromDomain(s domain.Subject, now time.Time) subjectRow {
	return subjectRow{
		ID:            s.ID,
		Name:          s.Name,
		Description:   s.Description,
		Category:      s.Category,
		Difficulty:    string(s.Difficulty),
		QuestionCount: s.QuestionCount,
		IsActive:      s.IsActive,
		CreatedBy:     s.CreatedBy,
		CreatedAt:     stamp(s.CreatedAt, now),
		UpdatedAt:     stamp(time.Time{}, now),
		Version:       s.Version,
	}
}

func (r subjectRow) toDomain() domain.Subject {
	return domain.Subject{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Category:      r.Category,
		Difficulty:    domain.SubjectDifficulty(r.Difficulty),
		QuestionCount: r.QuestionCount,
		IsActive:      r.IsActive,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		Version:       r.Version,
	}
}

func questionFromDomain(q domain.Question, now time.Time) questionRow {
	options := q.Options
	if options == nil {
		options = []domain.Option{}
	}
	return questionRow{
		ID:            q.ID,
		SubjectID:     q.SubjectID,
		Subject:       q.Subject,
		Topic:         q.Topic,
		Type:          string(q.Type),
		Difficulty:    string(q.Difficulty),
		Text:          q.Text,
		Options:       options,
		CorrectAnswer: q.CorrectAnswer,
		Explanation:   q.Explanation,
		Formula:       q.Formula,
		CreatedBy:     q.CreatedBy,
		IsActive:      q.IsActive,
		CreatedAt:     stamp(q.CreatedAt, now),
		UpdatedAt:     stamp(time.Time{}, now),
		Version:       q.Version,
	}
}

func (r questionRow) toDomain() domain.Question {
	options := r.Options
	if options == nil {
		options = []domain.Option{}
	}
	return domain.Question{
		ID:            r.ID,
		SubjectID:     r.SubjectID,
		Subject:       r.Subject,
		Topic:         r.Topic,
		Type:          domain.QuestionType(r.Type),
		Difficulty:    domain.QuestionDifficulty(r.Difficulty),
		Text:          r.Text,
		Options:       options,
		CorrectAnswer: r.CorrectAnswer,
		Explanation:   r.Explanation,
		Formula:       r.Formula,
		CreatedBy:     r.CreatedBy,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		Version:       r.Version,
	}
}
