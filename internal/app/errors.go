package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error that already knows its HTTP shape.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// removeCancelled carries the confirmation prompt back so the dashboard can
// ask again with the right count.
func removeCancelled(prompt string) *DomainError {
	return &DomainError{
		Status:  http.StatusConflict,
		Code:    "REMOVE_CANCELLED",
		Message: "삭제가 취소되었습니다.",
		Details: map[string]any{"prompt": prompt},
	}
}
