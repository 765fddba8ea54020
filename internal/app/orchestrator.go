package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// Orchestrator runs the lifecycle of one device: migration at boot,
// data preservation on sign-in and cleanup on sign-out.
type Orchestrator struct {
	deviceID     string
	sessions     SessionProvider
	migrations   *MigrationRunner
	preservation *PreservationService
	sync         *SyncService
	live         *LiveQuestions
	log          *logger.Logger

	sf singleflight.Group

	mu          sync.Mutex
	unsubscribe func()
	last        *domain.PreservationResult
}

func NewOrchestrator(deviceID string, sessions SessionProvider, migrations *MigrationRunner, preservation *PreservationService, syncer *SyncService, live *LiveQuestions, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		deviceID:     deviceID,
		sessions:     sessions,
		migrations:   migrations,
		preservation: preservation,
		sync:         syncer,
		live:         live,
		log:          log.With("component", "Orchestrator", "device", deviceID),
	}
}

// Start registers the auth listener. Calling it twice has no effect.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsubscribe != nil {
		return
	}
	o.unsubscribe = o.sessions.OnAuthStateChange(o.HandleAuthEvent)
}

// Stop removes the auth listener and ends the live feed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if o.live != nil {
		o.live.Stop()
	}
}

// Boot brings the local schema up to date and drops expired backups.
func (o *Orchestrator) Boot(ctx context.Context) error {
	_, err, _ := o.sf.Do("boot", func() (interface{}, error) {
		if err := o.migrations.Run(ctx); err != nil {
			return nil, err
		}
		o.preservation.CleanupOldBackups(ctx)
		return nil, nil
	})
	return err
}

// HandleAuthEvent reacts to provider events.
func (o *Orchestrator) HandleAuthEvent(ctx context.Context, ev domain.AuthEvent) {
	switch ev.Type {
	case domain.AuthSignedIn:
		if ev.Session == nil {
			return
		}
		userID := ev.Session.UserID
		o.log.Info("signed in", "user", userID)
		result := o.Migrate(ctx, userID)
		if !result.Success {
			o.log.Warn("sign-in data migration failed", "user", userID, "errors", result.Errors)
		}
		if o.live != nil {
			if err := o.live.Start(userID); err != nil {
				o.log.Warn("start live questions", "user", userID, "error", err)
			}
		}
	case domain.AuthSignedOut:
		o.log.Info("signed out")
		if o.live != nil {
			o.live.Stop()
		}
		o.preservation.CleanupOldBackups(ctx)
	}
}

// Migrate runs the enhanced migration for userID. Concurrent calls for the
// same user share one run.
func (o *Orchestrator) Migrate(ctx context.Context, userID string) domain.PreservationResult {
	v, _, _ := o.sf.Do("migrate:"+userID, func() (interface{}, error) {
		return o.preservation.EnhancedMigration(ctx, userID), nil
	})
	result := v.(domain.PreservationResult)
	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()
	return result
}

// LastMigration returns the result of the most recent sign-in migration.
func (o *Orchestrator) LastMigration() (domain.PreservationResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return domain.PreservationResult{}, false
	}
	return *o.last, true
}

// FullSync collapses concurrent full syncs of the device into one.
func (o *Orchestrator) FullSync(ctx context.Context) domain.SyncResult {
	v, _, _ := o.sf.Do("sync:full", func() (interface{}, error) {
		return o.sync.FullSync(ctx), nil
	})
	return v.(domain.SyncResult)
}

// CaptureRedirect installs the session carried in an OAuth redirect
// fragment ("#access_token=...&refresh_token=..."). Listeners fire before
// it returns, so the sign-in migration has finished by then.
func (o *Orchestrator) CaptureRedirect(ctx context.Context, fragment string) (*domain.Session, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return nil, fmt.Errorf("parse redirect fragment: %w", err)
	}
	access, refresh := values.Get("access_token"), values.Get("refresh_token")
	if access == "" || refresh == "" {
		return nil, domain.ErrMissingTokens
	}
	return o.sessions.SetSession(ctx, access, refresh)
}
