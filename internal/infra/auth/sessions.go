package auth

import (
	"context"
	"encoding/json"
	"sync"

	"study-sync-service/internal/app"
	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// SessionKey is where a device keeps its tokens, next to its local data.
const SessionKey = "auth_session"

type storedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// DeviceSessions is the app.SessionProvider of one device. Tokens are
// persisted in the device key space when one is given, so a session
// survives process restarts. Listeners run synchronously.
type DeviceSessions struct {
	manager *Manager
	kv      app.KeyValueStore
	log     *logger.Logger

	mu        sync.Mutex
	session   *domain.Session
	loaded    bool
	listeners map[int]app.AuthListener
	nextID    int
}

// Device returns a session holder for one device. kv may be nil.
func (m *Manager) Device(kv app.KeyValueStore, log *logger.Logger) *DeviceSessions {
	return &DeviceSessions{
		manager:   m,
		kv:        kv,
		log:       log.With("component", "DeviceSessions"),
		listeners: make(map[int]app.AuthListener),
	}
}

func (d *DeviceSessions) GetSession(ctx context.Context) (*domain.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		d.loaded = true
		d.session = d.restoreLocked(ctx)
	}
	if d.session == nil {
		return nil, nil
	}
	if d.manager.clock().Before(d.session.ExpiresAt) {
		out := *d.session
		return &out, nil
	}

	pair, session, err := d.manager.Refresh(d.session.RefreshToken)
	if err != nil {
		d.log.Info("session expired", "user", d.session.UserID, "error", err)
		d.session = nil
		d.persistLocked(ctx, nil)
		return nil, nil
	}
	d.session = session
	d.persistLocked(ctx, &storedTokens{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	out := *session
	return &out, nil
}

func (d *DeviceSessions) GetUser(ctx context.Context) (string, bool) {
	session, err := d.GetSession(ctx)
	if err != nil || session == nil {
		return "", false
	}
	return session.UserID, true
}

// SetSession verifies the tokens, stores them and notifies listeners with SIGNED_IN.
func (d *DeviceSessions) SetSession(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, domain.ErrMissingTokens
	}
	session, err := d.manager.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	refreshClaims, err := d.manager.parse(refreshToken, tokenRefresh)
	if err != nil {
		return nil, err
	}
	if refreshClaims.Subject != session.UserID {
		return nil, domain.ErrInvalidToken
	}
	session.RefreshToken = refreshToken

	d.mu.Lock()
	d.session = session
	d.loaded = true
	d.persistLocked(ctx, &storedTokens{AccessToken: accessToken, RefreshToken: refreshToken})
	listeners := d.listenersLocked()
	d.mu.Unlock()

	out := *session
	d.notify(ctx, listeners, domain.AuthEvent{Type: domain.AuthSignedIn, Session: &out})
	return &out, nil
}

// SignOut drops the session and notifies listeners with SIGNED_OUT.
func (d *DeviceSessions) SignOut(ctx context.Context) error {
	d.mu.Lock()
	d.session = nil
	d.loaded = true
	d.persistLocked(ctx, nil)
	listeners := d.listenersLocked()
	d.mu.Unlock()

	d.notify(ctx, listeners, domain.AuthEvent{Type: domain.AuthSignedOut})
	return nil
}

func (d *DeviceSessions) OnAuthStateChange(listener app.AuthListener) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = listener
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *DeviceSessions) listenersLocked() []app.AuthListener {
	out := make([]app.AuthListener, 0, len(d.listeners))
	for id := 0; id < d.nextID; id++ {
		if l, ok := d.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (d *DeviceSessions) notify(ctx context.Context, listeners []app.AuthListener, ev domain.AuthEvent) {
	for _, l := range listeners {
		l(ctx, ev)
	}
}

func (d *DeviceSessions) restoreLocked(ctx context.Context) *domain.Session {
	if d.kv == nil {
		return nil
	}
	raw, ok, err := d.kv.Get(ctx, SessionKey)
	if err != nil || !ok {
		return nil
	}
	var tokens storedTokens
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil
	}
	session, err := d.manager.Verify(tokens.AccessToken)
	if err != nil {
		// An expired access token can still be refreshed.
		claims, rerr := d.manager.parse(tokens.RefreshToken, tokenRefresh)
		if rerr != nil {
			return nil
		}
		return &domain.Session{UserID: claims.Subject, Email: claims.Email, RefreshToken: tokens.RefreshToken}
	}
	session.RefreshToken = tokens.RefreshToken
	return session
}

func (d *DeviceSessions) persistLocked(ctx context.Context, tokens *storedTokens) {
	if d.kv == nil {
		return
	}
	var err error
	if tokens == nil {
		err = d.kv.Delete(ctx, SessionKey)
	} else {
		raw, merr := json.Marshal(tokens)
		if merr != nil {
			err = merr
		} else {
			err = d.kv.Set(ctx, SessionKey, string(raw))
		}
	}
	if err != nil {
		d.log.Warn("persist session", "error", err)
	}
}
