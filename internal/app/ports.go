package app

import (
	"context"

	"study-sync-service/internal/domain"
)

// KeyValueStore is the raw string key space a device persists into
// (browser local storage on the client, Redis or memory on the server).
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// CloudStore is the hosted relational store, filtered by owner.
type CloudStore interface {
	ListSubjects(ctx context.Context, userID string) ([]domain.Subject, error)
	ListQuestions(ctx context.Context, userID string) ([]domain.Question, error)
	InsertSubject(ctx context.Context, subject domain.Subject) (domain.Subject, error)
	InsertQuestion(ctx context.Context, question domain.Question) (domain.Question, error)
}

// ChangeFeed streams row changes of the questions table for one owner.
// The caller must invoke the returned cancel function to avoid leaks.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, func(), error)
}

// AuthListener is notified on sign-in and sign-out.
type AuthListener func(ctx context.Context, event domain.AuthEvent)

// SessionProvider is the narrow contract of the hosted auth provider for one device.
type SessionProvider interface {
	// GetSession returns nil without error when nobody is signed in.
	GetSession(ctx context.Context) (*domain.Session, error)
	GetUser(ctx context.Context) (string, bool)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(listener AuthListener) (unsubscribe func())
}

// EventBus fans refresh notifications out to the presentation clients of a device.
type EventBus interface {
	Publish(ctx context.Context, event domain.RefreshEvent) error
	Subscribe(ctx context.Context, deviceID string) (<-chan domain.RefreshEvent, func(), error)
}
