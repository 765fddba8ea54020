package domain

import "errors"

var (
	// ErrNotSignedIn is returned when an operation needs an authenticated session.
	ErrNotSignedIn = errors.New("user is not signed in")
	// ErrInvalidToken indicates a session token failed verification.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrMissingTokens is returned when a redirect fragment lacks session tokens.
	ErrMissingTokens = errors.New("redirect fragment has no session tokens")
	// ErrBackupNotFound is returned when a backup id is unknown.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrQuotaExceeded mirrors a full local storage area.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")
	// ErrStorageLimit is returned when a subject already holds the maximum number of questions.
	ErrStorageLimit = errors.New("question limit reached for subject")
	// ErrDuplicateID is returned by cloud stores when a row id is already taken.
	ErrDuplicateID = errors.New("cloud row id already exists")
	// ErrQuestionNotFound indicates an unknown question id.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError carries a machine readable code so callers can message
// the user before anything is written.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets errors.Is(err, ErrValidation) match any validation error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(code, msg string) error {
	return &ValidationError{Code: code, Message: msg}
}
