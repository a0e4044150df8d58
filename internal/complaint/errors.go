package complaint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotConfigured is returned when the remote store endpoint is unset or
// still the placeholder.
var ErrNotConfigured = errors.New("remote store not configured")

// ValidationError rejects input before anything is sent remotely.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PermissionError is a remote policy rejection (row level security).
type PermissionError struct {
	Op      string
	Message string
	Err     error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %s", e.Op, e.Message)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Hint is the translated remediation shown next to the verbatim message.
func (e *PermissionError) Hint() string {
	return "권한이 없습니다. RLS 정책을 확인해주세요."
}

// RemoteError is any other remote failure. Nothing retries it automatically.
type RemoteError struct {
	Op      string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// permissionMarkers are matched case-insensitively against remote messages.
var permissionMarkers = []string{
	"row-level security",
	"permission denied",
}

// sqlstateInsufficientPrivilege is the Postgres code for policy rejections.
const sqlstateInsufficientPrivilege = "42501"

// Classify turns a store error into a PermissionError or RemoteError.
// Validation and configuration errors pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		verr *ValidationError
		perr *PermissionError
		rerr *RemoteError
	)
	if errors.As(err, &verr) || errors.As(err, &perr) || errors.As(err, &rerr) || errors.Is(err, ErrNotConfigured) {
		return err
	}

	msg := err.Error()
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		msg = pgErr.Message
		if pgErr.Code == sqlstateInsufficientPrivilege {
			return &PermissionError{Op: op, Message: msg, Err: err}
		}
	}
	if IsPermissionMessage(msg) {
		return &PermissionError{Op: op, Message: msg, Err: err}
	}
	return &RemoteError{Op: op, Message: msg, Err: err}
}

func IsPermissionMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range permissionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
