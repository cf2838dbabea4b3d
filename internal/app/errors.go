package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mintjamsinc/cms0-sub002/internal/acl"
	"github.com/mintjamsinc/cms0-sub002/internal/auth"
	"github.com/mintjamsinc/cms0-sub002/internal/authpw"
	"github.com/mintjamsinc/cms0-sub002/internal/lock"
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
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

var errorTable = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{acl.ErrAccessDenied, http.StatusForbidden, "ACCESS_DENIED", "Access denied"},
	{acl.ErrNoPolicy, http.StatusNotFound, "NO_POLICY", "No access control policy"},
	{acl.ErrInvalidPolicy, http.StatusUnprocessableEntity, "INVALID_POLICY", "Invalid access control entry"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{store.ErrItemExists, http.StatusConflict, "ITEM_EXISTS", "Item already exists"},
	{lock.ErrLockConflict, http.StatusConflict, "LOCK_CONFLICT", "Lock conflict"},
	{store.ErrAlreadyLocked, http.StatusConflict, "LOCK_CONFLICT", "Lock conflict"},
	{lock.ErrNotLocked, http.StatusConflict, "NOT_LOCKED", "Node is not locked"},
	{lock.ErrNotLockOwner, http.StatusConflict, "LOCK_TOKEN_NOT_HELD", "Lock token not held"},
	{lock.ErrInvalidState, http.StatusConflict, "INVALID_STATE", "Node has pending changes"},
	{lock.ErrUnsupportedOperation, http.StatusUnprocessableEntity, "UNSUPPORTED_OPERATION", "Node is not lockable"},
	{privilege.ErrUnknownPrivilege, http.StatusUnprocessableEntity, "UNKNOWN_PRIVILEGE", "Unknown privilege"},
	{authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid principal or password"},
	{authpw.ErrDisabled, http.StatusForbidden, "PRINCIPAL_DISABLED", "Principal disabled"},
	{authpw.ErrWeakPassword, http.StatusUnprocessableEntity, "WEAK_PASSWORD", "Password too short"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{session.ErrSessionNotFound, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
}

// mapError turns a service error into an HTTP status and error body.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, entry := range errorTable {
		if errors.Is(err, entry.target) {
			return entry.status, entry.code, entry.message, err.Error()
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
