package collab

import (
	"fmt"
	"net/http"
)

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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func invalidParentError(parentID string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_PARENT", "parent comment not found in this session", map[string]any{"parentId": parentID})
}

func persistenceError(err error) *DomainError {
	return domainError(http.StatusServiceUnavailable, "PERSISTENCE_ERROR", "comment could not be persisted", map[string]any{"cause": err.Error()})
}

func notJoinedError() *DomainError {
	return domainError(http.StatusConflict, "NOT_JOINED", "connection has not joined a session", nil)
}
