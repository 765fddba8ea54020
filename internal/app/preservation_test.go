package app_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"study-sync-service/internal/app"
	"study-sync-service/internal/domain"
	"study-sync-service/internal/infra/memory"
)

func TestSmartMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, _ = env.cloud.InsertSubject(ctx, domain.Subject{ID: "cloud-tarih", Name: "Tarih", CreatedBy: "u1"})
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{subject("Fizik")})
	_ = env.device.Store.SaveQuestions(ctx, []domain.Question{question("Fizik", "g nedir?")})

	first := env.device.Preservation.SmartMergeData(ctx, "u1")
	if !first.Success {
		t.Fatalf("first merge: %v", first.Errors)
	}
	subjectsAfterFirst := encode(t, env.device.Store.Subjects(ctx))
	questionsAfterFirst := encode(t, env.device.Store.Questions(ctx))

	second := env.device.Preservation.SmartMergeData(ctx, "u1")
	if !second.Success {
		t.Fatalf("second merge: %v", second.Errors)
	}
	if got := encode(t, env.device.Store.Subjects(ctx)); got != subjectsAfterFirst {
		t.Fatalf("subjects changed on second merge:\n%s\n%s", subjectsAfterFirst, got)
	}
	if got := encode(t, env.device.Store.Questions(ctx)); got != questionsAfterFirst {
		t.Fatalf("questions changed on second merge")
	}
	cloudSubjects, _ := env.cloud.ListSubjects(ctx, "u1")
	if len(cloudSubjects) != 2 {
		t.Fatalf("expected 2 cloud subjects, got %d", len(cloudSubjects))
	}
}

func TestSmartMergeMatchesExactNamePreferringCloud(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, _ = env.cloud.InsertSubject(ctx, domain.Subject{
		ID: "cloud-mat", Name: "Matematik", Description: "cloud description",
		Category: "Math", Difficulty: domain.SubjectAdvanced, IsActive: true, CreatedBy: "u1",
	})
	local := subject("Matematik")
	local.Description = "local description"
	local.Category = "Math"
	local.Difficulty = domain.SubjectAdvanced
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{local})

	result := env.device.Preservation.SmartMergeData(ctx, "u1")
	if !result.Success {
		t.Fatalf("merge: %v", result.Errors)
	}
	subjects := env.device.Store.Subjects(ctx)
	if len(subjects) != 1 || subjects[0].ID != "cloud-mat" || subjects[0].Description != "cloud description" {
		t.Fatalf("expected the cloud Matematik only, got %+v", subjects)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", result.Conflicts)
	}
	c := result.Conflicts[0]
	if c.Kind != domain.ConflictSubject || c.Key != "Matematik" || c.LocalID != local.ID || c.CloudID != "cloud-mat" {
		t.Fatalf("unexpected conflict %+v", c)
	}
	if len(c.Fields) != 1 || c.Fields[0] != "description" {
		t.Fatalf("expected description conflict, got %v", c.Fields)
	}
}

func TestSmartMergeKeepsSubjectsDifferingInCase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{subject("Fizik"), subject("FIZIK")})

	result := env.device.Preservation.SmartMergeData(ctx, "u1")
	if !result.Success {
		t.Fatalf("merge: %v", result.Errors)
	}
	if got := env.device.Store.Subjects(ctx); len(got) != 2 {
		t.Fatalf("expected both subjects kept, got %+v", got)
	}
	if cloud, _ := env.cloud.ListSubjects(ctx, "u1"); len(cloud) != 2 {
		t.Fatalf("expected both subjects in the cloud, got %d", len(cloud))
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts %+v", result.Conflicts)
	}
}

func TestSmartMergeReportsCollapsedLocalDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	first := subject("Fizik")
	first.Description = "mekanik"
	second := subject("Fizik")
	second.ID = "local_Fizik_2"
	second.Description = "optik"
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{first, second})

	result := env.device.Preservation.SmartMergeData(ctx, "u1")
	if !result.Success {
		t.Fatalf("merge: %v", result.Errors)
	}
	if got := env.device.Store.Subjects(ctx); len(got) != 1 || got[0].Description != "mekanik" {
		t.Fatalf("expected the first Fizik kept, got %+v", got)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].LocalID != "local_Fizik_2" {
		t.Fatalf("expected the dropped duplicate reported, got %+v", result.Conflicts)
	}
	if fields := result.Conflicts[0].Fields; len(fields) != 1 || fields[0] != "description" {
		t.Fatalf("expected description conflict, got %v", fields)
	}
}

func TestSecondUserMigratesOnSameDevice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{subject("Fizik")})
	_ = env.device.Store.SaveQuestions(ctx, []domain.Question{question("Fizik", "g nedir?")})

	if first := env.device.Preservation.EnhancedMigration(ctx, "userA"); !first.Success {
		t.Fatalf("userA migration: %v", first.Errors)
	}
	second := env.device.Preservation.EnhancedMigration(ctx, "userB")
	if !second.Success {
		t.Fatalf("userB migration: %v", second.Errors)
	}

	aSubjects, _ := env.cloud.ListSubjects(ctx, "userA")
	bSubjects, _ := env.cloud.ListSubjects(ctx, "userB")
	if len(aSubjects) != 1 || len(bSubjects) != 1 {
		t.Fatalf("expected one subject per user, got A=%d B=%d", len(aSubjects), len(bSubjects))
	}
	if aSubjects[0].ID == bSubjects[0].ID {
		t.Fatalf("userB must get its own subject id, both have %s", aSubjects[0].ID)
	}
	bQuestions, _ := env.cloud.ListQuestions(ctx, "userB")
	if len(bQuestions) != 1 || bQuestions[0].SubjectID != bSubjects[0].ID {
		t.Fatalf("expected userB question linked to its subject, got %+v", bQuestions)
	}
}

func TestSmartMergeRetriesWhenIDTakenByAnotherUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, _ = env.cloud.InsertSubject(ctx, domain.Subject{ID: "local_Fizik", Name: "Fizik", CreatedBy: "someone-else"})
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{subject("Fizik")})

	result := env.device.Preservation.SmartMergeData(ctx, "u1")
	if !result.Success {
		t.Fatalf("merge: %v", result.Errors)
	}
	subjects, _ := env.cloud.ListSubjects(ctx, "u1")
	if len(subjects) != 1 || subjects[0].ID == "local_Fizik" {
		t.Fatalf("expected a fresh id for u1, got %+v", subjects)
	}
}

func TestSmartMergeLeavesLocalUntouchedOnCloudFailure(t *testing.T) {
	ctx := context.Background()
	cloud := &flakyCloud{CloudStore: memory.NewCloudStore(), failAfter: 1}
	env := newTestEnvWith(t, cloud, 0)
	seeded := []domain.Subject{subject("Fizik"), subject("Kimya")}
	_ = env.device.Store.SaveSubjects(ctx, seeded)
	before := encode(t, env.device.Store.Subjects(ctx))

	result := env.device.Preservation.SmartMergeData(ctx, "u1")
	if result.Success || len(result.Errors) == 0 {
		t.Fatalf("expected failure, got %+v", result)
	}
	if got := encode(t, env.device.Store.Subjects(ctx)); got != before {
		t.Fatalf("local subjects must not change on failure")
	}
}

func TestRestoreFromUnknownBackup(t *testing.T) {
	env := newTestEnv(t)
	result := env.device.Preservation.RestoreFromBackup(context.Background(), "backup_missing")
	if result.Success || len(result.Errors) != 1 || result.Errors[0] != "backup not found" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBackupRoundTripRestoresEveryCollection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := env.device.Store
	_ = store.SaveSubjects(ctx, []domain.Subject{subject("Fizik")})
	_, _, _ = env.device.Performance.SaveQuizResult(ctx, domain.QuizResult{UserID: "guest", Subject: "Fizik", Score: 1, TotalQuestions: 2})
	_, _ = store.SaveFlashcardProgress(ctx, domain.FlashcardProgress{UserID: "guest", Subject: "Fizik", CardID: "c1", IsKnown: true})
	_, _ = store.AddAIRecommendation(ctx, domain.AIRecommendation{UserID: "guest", Subject: "Fizik", RecommendedDifficulty: domain.DifficultyHard})
	settings := domain.DefaultUserSettings()
	settings.Appearance.Theme = "dark"
	_ = store.SaveSettings(ctx, settings)

	id, err := env.device.Preservation.CreatePreAuthBackup(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.ClearGuestData(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	result := env.device.Preservation.RestoreFromBackup(ctx, id)
	if !result.Success {
		t.Fatalf("restore: %v", result.Errors)
	}
	want := domain.Preserved{Subjects: 1, QuizResults: 1, PerformanceData: 1, FlashcardProgress: 1, AIRecommendations: 1, Settings: true}
	if result.Preserved != want {
		t.Fatalf("expected %+v, got %+v", want, result.Preserved)
	}
	if store.Settings(ctx).Appearance.Theme != "dark" || len(store.FlashcardProgress(ctx)) != 1 {
		t.Fatalf("settings or flashcards not restored")
	}
}

func TestCleanupOldBackups(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := env.device.Preservation.WithClock(func() time.Time { return now })

	put := func(id string, ts time.Time) {
		if err := env.device.Store.PutBackup(ctx, domain.BackupSnapshot{ID: id, Timestamp: ts}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("fresh", now.Add(-23*time.Hour))
	put("old", now.Add(-25*time.Hour))
	_ = env.kv.Set(ctx, app.BackupKeyPrefix+"broken", `{"timestamp":"yesterday"}`)
	_ = env.kv.Set(ctx, app.BackupKeyPrefix+"garbage", `not json`)

	if deleted := svc.CleanupOldBackups(ctx); deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}
	ids, _ := env.device.Store.BackupIDs(ctx)
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("expected only the fresh backup, got %v", ids)
	}
}

func TestEnhancedMigrationRestoresBackupOnFailure(t *testing.T) {
	ctx := context.Background()
	cloud := &flakyCloud{CloudStore: memory.NewCloudStore(), failAfter: 0}
	env := newTestEnvWith(t, cloud, 0)
	_ = env.device.Store.SaveSubjects(ctx, []domain.Subject{subject("Fizik")})

	result := env.device.Preservation.EnhancedMigration(ctx, "u1")
	if result.Success || result.BackupID == "" || len(result.Errors) == 0 {
		t.Fatalf("expected failed migration with backup id, got %+v", result)
	}
	if result.Preserved.Subjects != 1 {
		t.Fatalf("expected restored subject count, got %+v", result.Preserved)
	}
	if subjects := env.device.Store.Subjects(ctx); len(subjects) != 1 || subjects[0].Name != "Fizik" {
		t.Fatalf("local data must be restored, got %+v", subjects)
	}
}

func TestEnhancedMigrationAbortsWithoutBackup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvWith(t, memory.NewCloudStore(), 600)
	cloud := env.cloud
	if err := env.device.Store.SaveSubjects(ctx, []domain.Subject{subject("Fizik")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result := env.device.Preservation.EnhancedMigration(ctx, "u1")
	if result.Success || len(result.Errors) == 0 {
		t.Fatalf("expected backup failure, got %+v", result)
	}
	if subjects, _ := cloud.ListSubjects(ctx, "u1"); len(subjects) != 0 {
		t.Fatalf("merge must not run without a backup, cloud has %d subjects", len(subjects))
	}
}

func TestEnhancedMigrationPublishesRefresh(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	events, cancel, _ := env.bus.Subscribe(ctx, env.device.ID)
	defer cancel()

	if result := env.device.Preservation.EnhancedMigration(ctx, "u1"); !result.Success {
		t.Fatalf("migration: %v", result.Errors)
	}
	seen := map[string]bool{}
	for len(seen) < len(domain.RefreshEvents) {
		select {
		case ev := <-events:
			seen[ev.Name] = true
		case <-time.After(time.Second):
			t.Fatalf("missing refresh events, saw %v", seen)
		}
	}
}

func encode(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(raw)
}
