package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"study-sync-service/internal/app"
	"study-sync-service/internal/domain"
	"study-sync-service/internal/infra/auth"
	"study-sync-service/internal/infra/memory"
	"study-sync-service/internal/logger"
)

type testEnv struct {
	device  *app.Device
	kv      *memory.KVStore
	cloud   *memory.CloudStore
	bus     *memory.EventBus
	manager *auth.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, memory.NewCloudStore(), 0)
}

// newTestEnvWith builds one device over cloud. quota caps the device key space.
func newTestEnvWith(t *testing.T, cloud app.CloudStore, quota int) *testEnv {
	t.Helper()
	manager, err := auth.NewManager("test-secret", "study-sync")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	env := &testEnv{
		kv:      memory.NewKVStore(quota),
		bus:     memory.NewEventBus(),
		manager: manager,
	}
	if mc, ok := cloud.(*memory.CloudStore); ok {
		env.cloud = mc
	}
	factory := app.DeviceFactory{
		KV:       func(string) app.KeyValueStore { return env.kv },
		Sessions: func(string) app.SessionProvider { return manager.Device(env.kv, logger.NewNop()) },
		Cloud:    cloud,
		Events:   env.bus,
		Log:      logger.NewNop(),
	}
	if env.cloud != nil {
		factory.Feed = env.cloud
	}
	env.device = factory.New("device-1")
	t.Cleanup(env.device.Close)
	return env
}

// signIn installs a session for userID without firing the sign-in flow.
func (e *testEnv) signIn(t *testing.T, userID string) {
	t.Helper()
	e.device.Orchestrator.Stop()
	pair, err := e.manager.Issue(userID, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := e.device.Sessions.SetSession(context.Background(), pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("set session: %v", err)
	}
}

func (e *testEnv) fragment(t *testing.T, userID string) string {
	t.Helper()
	pair, err := e.manager.Issue(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return "#access_token=" + pair.AccessToken + "&refresh_token=" + pair.RefreshToken + "&token_type=bearer"
}

func subject(name string) domain.Subject {
	return domain.Subject{
		ID:         "local_" + name,
		Name:       name,
		Category:   "Science",
		Difficulty: domain.SubjectBeginner,
		IsActive:   true,
	}
}

func question(subjectName, text string) domain.Question {
	return domain.Question{
		ID:         "local_" + text,
		Subject:    subjectName,
		Topic:      "Genel",
		Type:       domain.QuestionMultipleChoice,
		Difficulty: domain.DifficultyEasy,
		Text:       text,
		Options: []domain.Option{
			{Text: "A", IsCorrect: true},
			{Text: "B"},
		},
		Explanation: "because",
		IsActive:    true,
		Version:     app.CurrentSchemaVersion,
	}
}

// flakyCloud fails inserts once failAfter inserts have succeeded.
type flakyCloud struct {
	app.CloudStore
	failAfter int

	mu      sync.Mutex
	inserts int
}

var errCloudDown = errors.New("cloud unavailable")

func (c *flakyCloud) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inserts >= c.failAfter {
		return false
	}
	c.inserts++
	return true
}

func (c *flakyCloud) InsertSubject(ctx context.Context, s domain.Subject) (domain.Subject, error) {
	if !c.allow() {
		return domain.Subject{}, errCloudDown
	}
	return c.CloudStore.InsertSubject(ctx, s)
}

func (c *flakyCloud) InsertQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	if !c.allow() {
		return domain.Question{}, errCloudDown
	}
	return c.CloudStore.InsertQuestion(ctx, q)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
