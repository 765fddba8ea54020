package app

import (
	"context"
	"errors"
	"fmt"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// SyncService moves subjects and questions between a device and the cloud store.
// Remote failures never surface as Go errors; they come back as a failed
// SyncResult and leave whatever was already pushed in place.
type SyncService struct {
	store    *LocalStore
	cloud    CloudStore
	sessions SessionProvider
	log      *logger.Logger
}

func NewSyncService(store *LocalStore, cloud CloudStore, sessions SessionProvider, log *logger.Logger) *SyncService {
	return &SyncService{
		store:    store,
		cloud:    cloud,
		sessions: sessions,
		log:      log.With("service", "SyncService"),
	}
}

// GetSyncStatus compares collection sizes. It is a count heuristic, not a diff.
func (s *SyncService) GetSyncStatus(ctx context.Context) domain.SyncStatus {
	local := domain.Counts{
		Subjects:  len(s.store.Subjects(ctx)),
		Questions: len(s.store.Questions(ctx)),
	}
	status := domain.SyncStatus{
		HasLocalData: local.Subjects > 0 || local.Questions > 0,
		LocalCounts:  local,
	}

	userID, ok := s.sessions.GetUser(ctx)
	if !ok {
		return status
	}

	subjects, err := s.cloud.ListSubjects(ctx, userID)
	if err != nil {
		s.log.Warn("sync status: list cloud subjects", "error", err)
		return status
	}
	questions, err := s.cloud.ListQuestions(ctx, userID)
	if err != nil {
		s.log.Warn("sync status: list cloud questions", "error", err)
		return status
	}

	status.IsLoggedIn = true
	status.CloudCounts = domain.Counts{Subjects: len(subjects), Questions: len(questions)}
	status.HasCloudData = status.CloudCounts.Subjects > 0 || status.CloudCounts.Questions > 0
	status.NeedsSync = status.LocalCounts != status.CloudCounts ||
		(status.HasLocalData && !status.HasCloudData)
	return status
}

// SyncLocalToCloud inserts every local subject and question whose natural key
// the cloud lacks. It stops at the first failed insert.
func (s *SyncService) SyncLocalToCloud(ctx context.Context) domain.SyncResult {
	userID, ok := s.sessions.GetUser(ctx)
	if !ok {
		return failed(domain.ErrNotSignedIn.Error())
	}

	cloudSubjects, err := s.cloud.ListSubjects(ctx, userID)
	if err != nil {
		s.log.Error("push: list cloud subjects", "error", err)
		return failed("could not read cloud subjects")
	}
	cloudQuestions, err := s.cloud.ListQuestions(ctx, userID)
	if err != nil {
		s.log.Error("push: list cloud questions", "error", err)
		return failed("could not read cloud questions")
	}

	cloudIDs := make(map[string]struct{}, len(cloudSubjects)+len(cloudQuestions))
	subjectIDs := make(map[string]string, len(cloudSubjects))
	for _, cs := range cloudSubjects {
		subjectIDs[domain.SubjectKey(cs)] = cs.ID
		cloudIDs[cs.ID] = struct{}{}
	}
	questionKeys := make(map[string]struct{}, len(cloudQuestions))
	for _, cq := range cloudQuestions {
		questionKeys[domain.QuestionKey(cq)] = struct{}{}
		cloudIDs[cq.ID] = struct{}{}
	}

	var pushed domain.Counts
	for _, local := range s.store.Subjects(ctx) {
		key := domain.SubjectKey(local)
		if _, exists := subjectIDs[key]; exists {
			continue
		}
		row := cloudSubjectRow(local, userID, cloudIDs)
		created, err := insertSubject(ctx, s.cloud, row)
		if err != nil {
			s.log.Error("push: insert subject", "subject", local.Name, "pushed", pushed, "error", err)
			return domain.SyncResult{
				Message: fmt.Sprintf("sync stopped after %d subjects: %v", pushed.Subjects, err),
				Counts:  pushed,
			}
		}
		subjectIDs[key] = created.ID
		cloudIDs[created.ID] = struct{}{}
		pushed.Subjects++
	}

	for _, local := range s.store.Questions(ctx) {
		key := domain.QuestionKey(local)
		if _, exists := questionKeys[key]; exists {
			continue
		}
		row := cloudQuestionRow(local, userID, subjectIDs[local.Subject], cloudIDs)
		created, err := insertQuestion(ctx, s.cloud, row)
		if err != nil {
			s.log.Error("push: insert question", "subject", local.Subject, "pushed", pushed, "error", err)
			return domain.SyncResult{
				Message: fmt.Sprintf("sync stopped after %d subjects and %d questions: %v", pushed.Subjects, pushed.Questions, err),
				Counts:  pushed,
			}
		}
		questionKeys[key] = struct{}{}
		cloudIDs[created.ID] = struct{}{}
		pushed.Questions++
	}

	s.log.Info("pushed local data", "subjects", pushed.Subjects, "questions", pushed.Questions)
	return domain.SyncResult{
		Success: true,
		Message: fmt.Sprintf("%d subjects and %d questions synced to the cloud", pushed.Subjects, pushed.Questions),
		Counts:  pushed,
	}
}

// SyncCloudToLocal replaces the local subjects and questions with the cloud rows.
func (s *SyncService) SyncCloudToLocal(ctx context.Context) domain.SyncResult {
	userID, ok := s.sessions.GetUser(ctx)
	if !ok {
		return failed(domain.ErrNotSignedIn.Error())
	}

	subjects, err := s.cloud.ListSubjects(ctx, userID)
	if err != nil {
		s.log.Error("pull: list cloud subjects", "error", err)
		return failed("could not read cloud subjects")
	}
	questions, err := s.cloud.ListQuestions(ctx, userID)
	if err != nil {
		s.log.Error("pull: list cloud questions", "error", err)
		return failed("could not read cloud questions")
	}

	if err := s.store.SaveSubjects(ctx, subjects); err != nil {
		return failed("could not write local subjects")
	}
	if err := s.store.SaveQuestions(ctx, questions); err != nil {
		return failed("could not write local questions")
	}

	loaded := domain.Counts{Subjects: len(subjects), Questions: len(questions)}
	return domain.SyncResult{
		Success: true,
		Message: fmt.Sprintf("%d subjects and %d questions loaded from the cloud", loaded.Subjects, loaded.Questions),
		Counts:  loaded,
	}
}

// FullSync pushes first and then pulls, so the device ends with the union.
// A failed push skips the pull: overwriting local data that never reached
// the cloud would lose it.
func (s *SyncService) FullSync(ctx context.Context) domain.SyncResult {
	if _, ok := s.sessions.GetUser(ctx); !ok {
		return failed(domain.ErrNotSignedIn.Error())
	}

	push := s.SyncLocalToCloud(ctx)
	if !push.Success {
		return push
	}
	pull := s.SyncCloudToLocal(ctx)
	if !pull.Success {
		return pull
	}

	total := domain.Counts{
		Subjects:  push.Counts.Subjects + pull.Counts.Subjects,
		Questions: push.Counts.Questions + pull.Counts.Questions,
	}
	return domain.SyncResult{
		Success: true,
		Message: fmt.Sprintf("sync complete: %d subjects, %d questions processed", total.Subjects, total.Questions),
		Counts:  total,
	}
}

func failed(msg string) domain.SyncResult {
	return domain.SyncResult{Success: false, Message: msg}
}

// cloudSubjectRow prepares a local subject for insertion under userID.
// The local id is kept only when the row is not owned by someone else and
// the id is free among userID's cloud rows.
func cloudSubjectRow(local domain.Subject, userID string, cloudIDs map[string]struct{}) domain.Subject {
	row := local
	if needsFreshID(row.ID, row.CreatedBy, userID, cloudIDs) {
		row.ID = newID(prefixSubject)
	}
	row.CreatedBy = userID
	if row.Version == 0 {
		row.Version = CurrentSchemaVersion
	}
	return row
}

func cloudQuestionRow(local domain.Question, userID, subjectID string, cloudIDs map[string]struct{}) domain.Question {
	row := normalizeQuestion(local)
	if needsFreshID(row.ID, row.CreatedBy, userID, cloudIDs) {
		row.ID = newID(prefixQuestion)
	}
	row.CreatedBy = userID
	if subjectID != "" {
		row.SubjectID = subjectID
	}
	return row
}

// needsFreshID reports whether a local id cannot be used in the cloud. Rows
// merged for another user carry that user's cloud ids, which are taken
// globally.
func needsFreshID(id, owner, userID string, cloudIDs map[string]struct{}) bool {
	if id == "" || (owner != "" && owner != userID) {
		return true
	}
	_, taken := cloudIDs[id]
	return taken
}

// maxIDAttempts bounds the inserts retried with a fresh id after an id clash
// with rows this user cannot list.
const maxIDAttempts = 3

func insertSubject(ctx context.Context, cloud CloudStore, row domain.Subject) (domain.Subject, error) {
	for attempt := 1; ; attempt++ {
		created, err := cloud.InsertSubject(ctx, row)
		if err == nil || !errors.Is(err, domain.ErrDuplicateID) || attempt == maxIDAttempts {
			return created, err
		}
		row.ID = newID(prefixSubject)
	}
}

func insertQuestion(ctx context.Context, cloud CloudStore, row domain.Question) (domain.Question, error) {
	for attempt := 1; ; attempt++ {
		created, err := cloud.InsertQuestion(ctx, row)
		if err == nil || !errors.Is(err, domain.ErrDuplicateID) || attempt == maxIDAttempts {
			return created, err
		}
		row.ID = newID(prefixQuestion)
	}
}

func normalizeQuestion(q domain.Question) domain.Question {
	if q.Options == nil {
		q.Options = []domain.Option{}
	}
	if q.CorrectAnswer == "" {
		q.CorrectAnswer = q.CorrectOption()
	}
	if q.Version == 0 {
		q.Version = CurrentSchemaVersion
	}
	return q
}
