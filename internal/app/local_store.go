package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// Storage keys inside one device namespace.
const (
	KeySubjects          = "akilhane_subjects_v2"
	KeyQuestions         = "akilhane_questions_v2"
	KeyMigrationStatus   = "akilhane_migration_status"
	KeyLegacySubjects    = "exam_training_subjects"
	KeyLegacyQuestions   = "exam_training_questions"
	KeyQuizResults       = "guestQuizResults"
	KeyPerformance       = "guestPerformanceData"
	KeyFlashcards        = "guestFlashcardProgress"
	KeyAIRecommendations = "guestAIRecommendations"
	KeySettings          = "userSettings"
	BackupKeyPrefix      = "auth_backup_"
)

const (
	defaultAIRecommendationLimit  = 50
	defaultMaxQuestionsPerSubject = 1000
)

// LocalStoreOptions bounds the collections kept on a device.
type LocalStoreOptions struct {
	AIRecommendationLimit  int
	MaxQuestionsPerSubject int
}

// LocalStore is the typed repository over a device's key-value store.
// Reads never fail: missing or malformed records yield the default.
// Writes return their error after logging it; callers decide whether a
// failed write matters.
type LocalStore struct {
	kv   KeyValueStore
	log  *logger.Logger
	opts LocalStoreOptions
	now  func() time.Time
}

// NewLocalStore wraps kv. A nil kv behaves like a missing storage area:
// reads return defaults and writes are dropped.
func NewLocalStore(kv KeyValueStore, log *logger.Logger, opts LocalStoreOptions) *LocalStore {
	if opts.AIRecommendationLimit <= 0 {
		opts.AIRecommendationLimit = defaultAIRecommendationLimit
	}
	if opts.MaxQuestionsPerSubject <= 0 {
		opts.MaxQuestionsPerSubject = defaultMaxQuestionsPerSubject
	}
	return &LocalStore{
		kv:   kv,
		log:  log.With("component", "LocalStore"),
		opts: opts,
		now:  time.Now,
	}
}

// GetRecord decodes the JSON record at key, or returns def.
func GetRecord[T any](ctx context.Context, s *LocalStore, key string, def T) T {
	if s.kv == nil {
		return def
	}
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.log.Warn("local read failed", "key", key, "error", err)
		return def
	}
	if !ok || raw == "" {
		return def
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log.Debug("ignoring malformed local record", "key", key, "error", err)
		return def
	}
	return out
}

// SetRecord encodes value as JSON under key.
func SetRecord[T any](ctx context.Context, s *LocalStore, key string, value T) error {
	if s.kv == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Error("encode local record", "key", key, "error", err)
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(raw)); err != nil {
		s.log.Error("local write failed", "key", key, "bytes", len(raw), "error", err)
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Raw returns the undecoded value stored at key.
func (s *LocalStore) Raw(ctx context.Context, key string) (string, bool, error) {
	if s.kv == nil {
		return "", false, nil
	}
	return s.kv.Get(ctx, key)
}

// Delete removes key.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if s.kv == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		s.log.Error("local delete failed", "key", key, "error", err)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Subjects(ctx context.Context) []domain.Subject {
	return GetRecord(ctx, s, KeySubjects, []domain.Subject{})
}

func (s *LocalStore) SaveSubjects(ctx context.Context, subjects []domain.Subject) error {
	return SetRecord(ctx, s, KeySubjects, nonNil(subjects))
}

func (s *LocalStore) Questions(ctx context.Context) []domain.Question {
	return GetRecord(ctx, s, KeyQuestions, []domain.Question{})
}

func (s *LocalStore) SaveQuestions(ctx context.Context, questions []domain.Question) error {
	return SetRecord(ctx, s, KeyQuestions, nonNil(questions))
}

// CreateQuestion validates q and appends it with a fresh id.
func (s *LocalStore) CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	if err := domain.ValidateQuestion(q); err != nil {
		return domain.Question{}, err
	}
	questions := s.Questions(ctx)
	inSubject := 0
	for _, existing := range questions {
		if existing.IsActive && existing.Subject == q.Subject {
			inSubject++
		}
	}
	if inSubject >= s.opts.MaxQuestionsPerSubject {
		return domain.Question{}, fmt.Errorf("%w: %s (max %d)", domain.ErrStorageLimit, q.Subject, s.opts.MaxQuestionsPerSubject)
	}

	now := s.now().UTC()
	q.ID = newID(prefixQuestion)
	q.CreatedAt = now
	q.UpdatedAt = now
	q.IsActive = true
	q.Version = CurrentSchemaVersion
	if q.CorrectAnswer == "" {
		q.CorrectAnswer = q.CorrectOption()
	}
	questions = append(questions, q)
	if err := s.SaveQuestions(ctx, questions); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

func (s *LocalStore) QuizResults(ctx context.Context) []domain.QuizResult {
	return GetRecord(ctx, s, KeyQuizResults, []domain.QuizResult{})
}

func (s *LocalStore) SaveQuizResults(ctx context.Context, results []domain.QuizResult) error {
	return SetRecord(ctx, s, KeyQuizResults, nonNil(results))
}

// RecentResults returns the newest results of a user, newest first.
func (s *LocalStore) RecentResults(ctx context.Context, userID string, limit int) []domain.QuizResult {
	var out []domain.QuizResult
	for _, r := range s.QuizResults(ctx) {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *LocalStore) Performance(ctx context.Context) []domain.PerformanceSnapshot {
	return GetRecord(ctx, s, KeyPerformance, []domain.PerformanceSnapshot{})
}

func (s *LocalStore) SavePerformance(ctx context.Context, data []domain.PerformanceSnapshot) error {
	return SetRecord(ctx, s, KeyPerformance, nonNil(data))
}

// TotalStats weights every subject snapshot of userID by its test count.
func (s *LocalStore) TotalStats(ctx context.Context, userID string) domain.TotalStats {
	var stats domain.TotalStats
	var weighted float64
	for _, p := range s.Performance(ctx) {
		if p.UserID != userID {
			continue
		}
		stats.TotalSubjects++
		stats.TotalTests += p.TotalTests
		weighted += p.AverageScore * float64(p.TotalTests)
		stats.TotalTimeSpent += p.AverageTimeSpent * float64(p.TotalTests)
	}
	if stats.TotalTests > 0 {
		stats.AverageScore = round2(weighted / float64(stats.TotalTests))
	}
	stats.TotalTimeSpent = round2(stats.TotalTimeSpent)
	return stats
}

// FlashcardProgress lists every card state, ordered by key.
func (s *LocalStore) FlashcardProgress(ctx context.Context) []domain.FlashcardProgress {
	byKey := GetRecord(ctx, s, KeyFlashcards, map[string]domain.FlashcardProgress{})
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.FlashcardProgress, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

// SaveFlashcardProgress upserts one card, keeping id and createdAt of an existing entry.
func (s *LocalStore) SaveFlashcardProgress(ctx context.Context, p domain.FlashcardProgress) (domain.FlashcardProgress, error) {
	byKey := GetRecord(ctx, s, KeyFlashcards, map[string]domain.FlashcardProgress{})
	now := s.now().UTC()
	if existing, ok := byKey[p.Key()]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.ID = newID(prefixFlashcard)
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	byKey[p.Key()] = p
	if err := SetRecord(ctx, s, KeyFlashcards, byKey); err != nil {
		return domain.FlashcardProgress{}, err
	}
	return p, nil
}

// ReplaceFlashcardProgress overwrites the whole card map.
func (s *LocalStore) ReplaceFlashcardProgress(ctx context.Context, progress []domain.FlashcardProgress) error {
	byKey := make(map[string]domain.FlashcardProgress, len(progress))
	for _, p := range progress {
		byKey[p.Key()] = p
	}
	return SetRecord(ctx, s, KeyFlashcards, byKey)
}

func (s *LocalStore) AIRecommendations(ctx context.Context) []domain.AIRecommendation {
	return GetRecord(ctx, s, KeyAIRecommendations, []domain.AIRecommendation{})
}

// AddAIRecommendation appends rec and evicts the oldest entries past the limit.
func (s *LocalStore) AddAIRecommendation(ctx context.Context, rec domain.AIRecommendation) (domain.AIRecommendation, error) {
	recs := s.AIRecommendations(ctx)
	rec.ID = newID(prefixRecommendation)
	rec.CreatedAt = s.now().UTC()
	recs = append(recs, rec)
	if over := len(recs) - s.opts.AIRecommendationLimit; over > 0 {
		recs = recs[over:]
	}
	if err := s.SaveAIRecommendations(ctx, recs); err != nil {
		return domain.AIRecommendation{}, err
	}
	return rec, nil
}

func (s *LocalStore) SaveAIRecommendations(ctx context.Context, recs []domain.AIRecommendation) error {
	return SetRecord(ctx, s, KeyAIRecommendations, nonNil(recs))
}

func (s *LocalStore) Settings(ctx context.Context) domain.UserSettings {
	return GetRecord(ctx, s, KeySettings, domain.DefaultUserSettings())
}

func (s *LocalStore) SaveSettings(ctx context.Context, settings domain.UserSettings) error {
	return SetRecord(ctx, s, KeySettings, settings)
}

// Snapshot exports every collection of the device.
func (s *LocalStore) Snapshot(ctx context.Context) domain.BackupSnapshot {
	return domain.BackupSnapshot{
		Subjects:          s.Subjects(ctx),
		Questions:         s.Questions(ctx),
		QuizResults:       s.QuizResults(ctx),
		PerformanceData:   s.Performance(ctx),
		Settings:          s.Settings(ctx),
		FlashcardProgress: s.FlashcardProgress(ctx),
		AIRecommendations: s.AIRecommendations(ctx),
	}
}

func backupKey(id string) string {
	return BackupKeyPrefix + id
}

// PutBackup stores snapshot under its id.
func (s *LocalStore) PutBackup(ctx context.Context, snapshot domain.BackupSnapshot) error {
	return SetRecord(ctx, s, backupKey(snapshot.ID), snapshot)
}

// Backup loads a stored snapshot. A missing id yields domain.ErrBackupNotFound.
func (s *LocalStore) Backup(ctx context.Context, id string) (domain.BackupSnapshot, error) {
	raw, ok, err := s.Raw(ctx, backupKey(id))
	if err != nil {
		return domain.BackupSnapshot{}, fmt.Errorf("read backup %s: %w", id, err)
	}
	if !ok {
		return domain.BackupSnapshot{}, domain.ErrBackupNotFound
	}
	var snapshot domain.BackupSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return domain.BackupSnapshot{}, fmt.Errorf("decode backup %s: %w", id, err)
	}
	return snapshot, nil
}

// BackupIDs lists the ids of all stored backups.
func (s *LocalStore) BackupIDs(ctx context.Context) ([]string, error) {
	if s.kv == nil {
		return nil, nil
	}
	keys, err := s.kv.Keys(ctx, BackupKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, BackupKeyPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *LocalStore) DeleteBackup(ctx context.Context, id string) error {
	return s.Delete(ctx, backupKey(id))
}

type migrationMarker struct {
	Version    int       `json:"version"`
	MigratedAt time.Time `json:"migratedAt"`
}

// SchemaVersion returns the stored migration marker, 0 when absent.
func (s *LocalStore) SchemaVersion(ctx context.Context) int {
	return GetRecord(ctx, s, KeyMigrationStatus, migrationMarker{}).Version
}

func (s *LocalStore) SetSchemaVersion(ctx context.Context, version int) error {
	return SetRecord(ctx, s, KeyMigrationStatus, migrationMarker{Version: version, MigratedAt: s.now().UTC()})
}

// ClearGuestData drops every guest collection and the settings.
func (s *LocalStore) ClearGuestData(ctx context.Context) error {
	for _, key := range []string{
		KeySubjects, KeyQuestions, KeyLegacySubjects, KeyLegacyQuestions,
		KeyQuizResults, KeyFlashcards, KeyPerformance, KeyAIRecommendations, KeySettings,
	} {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// StorageSize approximates the bytes used by the device namespace.
func (s *LocalStore) StorageSize(ctx context.Context) (int, error) {
	if s.kv == nil {
		return 0, nil
	}
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	used := 0
	for _, k := range keys {
		v, ok, err := s.kv.Get(ctx, k)
		if err != nil {
			return 0, err
		}
		if ok {
			used += len(k) + len(v)
		}
	}
	return used, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
