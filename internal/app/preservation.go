package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

const defaultBackupTTL = 24 * time.Hour

// PreservationOptions tunes backup retention.
type PreservationOptions struct {
	BackupTTL time.Duration
}

// PreservationService keeps a device's guest data alive across sign-in:
// it snapshots the local store, merges it with the user's cloud data and
// rolls back to the snapshot when the merge fails.
type PreservationService struct {
	deviceID  string
	store     *LocalStore
	cloud     CloudStore
	events    EventBus
	log       *logger.Logger
	backupTTL time.Duration
	now       func() time.Time
}

func NewPreservationService(deviceID string, store *LocalStore, cloud CloudStore, events EventBus, log *logger.Logger, opts PreservationOptions) *PreservationService {
	ttl := opts.BackupTTL
	if ttl <= 0 {
		ttl = defaultBackupTTL
	}
	return &PreservationService{
		deviceID:  deviceID,
		store:     store,
		cloud:     cloud,
		events:    events,
		log:       log.With("service", "PreservationService", "device", deviceID),
		backupTTL: ttl,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (p *PreservationService) WithClock(now func() time.Time) *PreservationService {
	p.now = now
	return p
}

// CreatePreAuthBackup snapshots every local collection under a fresh id.
func (p *PreservationService) CreatePreAuthBackup(ctx context.Context) (string, error) {
	snapshot := p.store.Snapshot(ctx)
	snapshot.ID = newID(prefixBackup)
	snapshot.Timestamp = p.now().UTC()
	if err := p.store.PutBackup(ctx, snapshot); err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	p.log.Info("pre-auth backup created",
		"backup", snapshot.ID,
		"subjects", len(snapshot.Subjects),
		"questions", len(snapshot.Questions),
		"results", len(snapshot.QuizResults),
	)
	return snapshot.ID, nil
}

// RestoreFromBackup overwrites every local collection with the snapshot,
// empty ones included.
func (p *PreservationService) RestoreFromBackup(ctx context.Context, backupID string) domain.PreservationResult {
	result := p.newResult()
	result.BackupID = backupID

	snapshot, err := p.store.Backup(ctx, backupID)
	if err != nil {
		if errors.Is(err, domain.ErrBackupNotFound) {
			result.Errors = append(result.Errors, domain.ErrBackupNotFound.Error())
		} else {
			result.Errors = append(result.Errors, "restore failed: "+err.Error())
		}
		return result
	}

	writes := []struct {
		name string
		fn   func() error
	}{
		{"subjects", func() error { return p.store.SaveSubjects(ctx, snapshot.Subjects) }},
		{"questions", func() error { return p.store.SaveQuestions(ctx, snapshot.Questions) }},
		{"quiz results", func() error { return p.store.SaveQuizResults(ctx, snapshot.QuizResults) }},
		{"performance data", func() error { return p.store.SavePerformance(ctx, snapshot.PerformanceData) }},
		{"settings", func() error { return p.store.SaveSettings(ctx, snapshot.Settings) }},
		{"flashcard progress", func() error { return p.store.ReplaceFlashcardProgress(ctx, snapshot.FlashcardProgress) }},
		{"ai recommendations", func() error { return p.store.SaveAIRecommendations(ctx, snapshot.AIRecommendations) }},
	}
	for _, w := range writes {
		if err := w.fn(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restore %s: %v", w.name, err))
		}
	}

	result.Preserved = domain.Preserved{
		Subjects:          len(snapshot.Subjects),
		Questions:         len(snapshot.Questions),
		QuizResults:       len(snapshot.QuizResults),
		PerformanceData:   len(snapshot.PerformanceData),
		FlashcardProgress: len(snapshot.FlashcardProgress),
		AIRecommendations: len(snapshot.AIRecommendations),
		Settings:          true,
	}
	result.Success = len(result.Errors) == 0
	p.log.Info("backup restored", "backup", backupID, "success", result.Success)
	return result
}

// SmartMergeData merges local subjects and questions with the cloud rows of
// userID by natural key. Cloud rows win; local-only rows are inserted into
// the cloud so both sides agree afterwards. Nothing is written locally until
// every cloud call has succeeded. Running it twice changes nothing.
func (p *PreservationService) SmartMergeData(ctx context.Context, userID string) domain.PreservationResult {
	result := p.newResult()
	if userID == "" {
		result.Errors = append(result.Errors, domain.ErrNotSignedIn.Error())
		return result
	}

	cloudSubjects, err := p.cloud.ListSubjects(ctx, userID)
	if err != nil {
		result.Errors = append(result.Errors, "list cloud subjects: "+err.Error())
		return result
	}
	cloudQuestions, err := p.cloud.ListQuestions(ctx, userID)
	if err != nil {
		result.Errors = append(result.Errors, "list cloud questions: "+err.Error())
		return result
	}

	localSubjects := p.store.Subjects(ctx)
	localQuestions := p.store.Questions(ctx)

	cloudIDs := make(map[string]struct{}, len(cloudSubjects)+len(cloudQuestions))

	subjects := append([]domain.Subject{}, cloudSubjects...)
	subjectAt := make(map[string]int, len(subjects))
	for i, s := range subjects {
		subjectAt[domain.SubjectKey(s)] = i
		cloudIDs[s.ID] = struct{}{}
	}
	questions := append([]domain.Question{}, cloudQuestions...)
	questionAt := make(map[string]int, len(questions))
	for i, q := range questions {
		questionAt[domain.QuestionKey(q)] = i
		cloudIDs[q.ID] = struct{}{}
	}
	fromCloudSubjects := len(subjects)
	fromCloudQuestions := len(questions)

	for _, local := range localSubjects {
		key := domain.SubjectKey(local)
		if i, ok := subjectAt[key]; ok {
			// The earlier row wins, whether it came from the cloud or from
			// another local row with the same name; a divergent loser is reported.
			if fields := subjectDiff(local, subjects[i]); len(fields) > 0 {
				result.Conflicts = append(result.Conflicts, domain.Conflict{
					Kind: domain.ConflictSubject, Key: key,
					LocalID: local.ID, CloudID: subjects[i].ID, Fields: fields,
				})
			}
			continue
		}
		created, err := insertSubject(ctx, p.cloud, cloudSubjectRow(local, userID, cloudIDs))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("insert subject %q: %v", local.Name, err))
			return result
		}
		cloudIDs[created.ID] = struct{}{}
		subjectAt[key] = len(subjects)
		subjects = append(subjects, created)
	}

	for _, local := range localQuestions {
		key := domain.QuestionKey(local)
		if i, ok := questionAt[key]; ok {
			if fields := questionDiff(normalizeQuestion(local), questions[i]); len(fields) > 0 {
				result.Conflicts = append(result.Conflicts, domain.Conflict{
					Kind: domain.ConflictQuestion, Key: key,
					LocalID: local.ID, CloudID: questions[i].ID, Fields: fields,
				})
			}
			continue
		}
		var subjectID string
		if i, ok := subjectAt[local.Subject]; ok {
			subjectID = subjects[i].ID
		}
		created, err := insertQuestion(ctx, p.cloud, cloudQuestionRow(local, userID, subjectID, cloudIDs))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("insert question %q: %v", local.Text, err))
			return result
		}
		cloudIDs[created.ID] = struct{}{}
		questionAt[key] = len(questions)
		questions = append(questions, created)
	}

	if err := p.store.SaveSubjects(ctx, subjects); err != nil {
		result.Errors = append(result.Errors, "write merged subjects: "+err.Error())
		return result
	}
	if err := p.store.SaveQuestions(ctx, questions); err != nil {
		result.Errors = append(result.Errors, "write merged questions: "+err.Error())
		if rerr := p.store.SaveSubjects(ctx, localSubjects); rerr != nil {
			result.Errors = append(result.Errors, "revert subjects: "+rerr.Error())
		}
		return result
	}

	result.Success = true
	result.Preserved.Subjects = len(subjects)
	result.Preserved.Questions = len(questions)
	p.log.Info("smart merge complete",
		"user", userID,
		"subjects", len(subjects),
		"questions", len(questions),
		"pushedSubjects", len(subjects)-fromCloudSubjects,
		"pushedQuestions", len(questions)-fromCloudQuestions,
		"conflicts", len(result.Conflicts),
	)
	return result
}

// TriggerUIRefresh tells the presentation clients of the device to re-read.
func (p *PreservationService) TriggerUIRefresh(ctx context.Context) {
	if p.events == nil {
		return
	}
	now := p.now().UTC()
	for _, name := range domain.RefreshEvents {
		err := p.events.Publish(ctx, domain.RefreshEvent{DeviceID: p.deviceID, Name: name, Timestamp: now})
		if err != nil {
			p.log.Warn("publish refresh event", "event", name, "error", err)
		}
	}
}

// CleanupOldBackups deletes backups older than the retention window and any
// backup whose timestamp cannot be read. It returns the number deleted.
func (p *PreservationService) CleanupOldBackups(ctx context.Context) int {
	ids, err := p.store.BackupIDs(ctx)
	if err != nil {
		p.log.Warn("list backups", "error", err)
		return 0
	}
	now := p.now()
	deleted := 0
	for _, id := range ids {
		if !p.expired(ctx, id, now) {
			continue
		}
		if err := p.store.DeleteBackup(ctx, id); err != nil {
			p.log.Warn("delete backup", "backup", id, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		p.log.Info("old backups removed", "count", deleted)
	}
	return deleted
}

func (p *PreservationService) expired(ctx context.Context, id string, now time.Time) bool {
	raw, ok, err := p.store.Raw(ctx, backupKey(id))
	if err != nil || !ok {
		return false
	}
	var header struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, header.Timestamp)
	if err != nil || ts.IsZero() {
		return true
	}
	return now.Sub(ts) > p.backupTTL
}

// EnhancedMigration is the sign-in flow: back up, merge, and restore the
// backup when the merge fails. Without a backup the merge is not attempted.
func (p *PreservationService) EnhancedMigration(ctx context.Context, userID string) domain.PreservationResult {
	backupID, err := p.CreatePreAuthBackup(ctx)
	if err != nil {
		p.log.Error("enhanced migration aborted", "user", userID, "error", err)
		result := p.newResult()
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	merge := p.safeMerge(ctx, userID)
	merge.BackupID = backupID
	if merge.Success {
		p.TriggerUIRefresh(ctx)
		p.CleanupOldBackups(ctx)
		return merge
	}

	p.log.Warn("smart merge failed, restoring backup", "user", userID, "backup", backupID, "errors", merge.Errors)
	restore := p.RestoreFromBackup(ctx, backupID)
	restore.Success = false
	restore.Errors = append(merge.Errors, restore.Errors...)
	restore.Conflicts = merge.Conflicts
	p.TriggerUIRefresh(ctx)
	return restore
}

func (p *PreservationService) safeMerge(ctx context.Context, userID string) (result domain.PreservationResult) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("smart merge panicked", "user", userID, "panic", r)
			result = p.newResult()
			result.Errors = append(result.Errors, fmt.Sprintf("smart merge failed: %v", r))
		}
	}()
	return p.SmartMergeData(ctx, userID)
}

func (p *PreservationService) newResult() domain.PreservationResult {
	return domain.PreservationResult{Errors: []string{}, Timestamp: p.now().UTC()}
}

func subjectDiff(local, cloud domain.Subject) []string {
	var fields []string
	if local.Description != cloud.Description {
		fields = append(fields, "description")
	}
	if local.Category != cloud.Category {
		fields = append(fields, "category")
	}
	if local.Difficulty != cloud.Difficulty {
		fields = append(fields, "difficulty")
	}
	if local.QuestionCount != cloud.QuestionCount {
		fields = append(fields, "questionCount")
	}
	if local.IsActive != cloud.IsActive {
		fields = append(fields, "isActive")
	}
	return fields
}

func questionDiff(local, cloud domain.Question) []string {
	var fields []string
	if local.Topic != cloud.Topic {
		fields = append(fields, "topic")
	}
	if local.Type != cloud.Type {
		fields = append(fields, "type")
	}
	if local.Difficulty != cloud.Difficulty {
		fields = append(fields, "difficulty")
	}
	if !sameOptions(local.Options, cloud.Options) {
		fields = append(fields, "options")
	}
	if local.Explanation != cloud.Explanation {
		fields = append(fields, "explanation")
	}
	if local.Formula != cloud.Formula {
		fields = append(fields, "formula")
	}
	if local.IsActive != cloud.IsActive {
		fields = append(fields, "isActive")
	}
	return fields
}

func sameOptions(a, b []domain.Option) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
