package domain

import "time"

// AuthEventType mirrors the hosted auth provider lifecycle events.
type AuthEventType string

const (
	AuthSignedIn  AuthEventType = "SIGNED_IN"
	AuthSignedOut AuthEventType = "SIGNED_OUT"
)

// Session is an authenticated user session on one device.
type Session struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AuthEvent is delivered to auth state listeners.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// Refresh event names broadcast after the local store was rewritten.
const (
	EventDataPreservationRefresh = "data-preservation-refresh"
	EventLocalStorageUpdate      = "localStorage-update"
	EventSubjectsUpdated         = "subjects-updated"
	EventQuestionsUpdated        = "questions-updated"
)

// RefreshEvents is the fixed set published by a UI refresh.
var RefreshEvents = []string{
	EventDataPreservationRefresh,
	EventLocalStorageUpdate,
	EventSubjectsUpdated,
	EventQuestionsUpdated,
}

// RefreshEvent tells presentation clients of a device to re-read its store.
type RefreshEvent struct {
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeOp is a row-level change kind from the cloud store.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// ChangeEvent carries one question row change.
type ChangeEvent struct {
	Op       ChangeOp `json:"op"`
	Question Question `json:"question"`
}
