package clickup

import (
	"errors"
	"fmt"
	"strings"
)

// ReauthMessage is shown when the stored login can no longer be used.
const ReauthMessage = "Authentication failed. Please sign out and sign in again."

var (
	// ErrNotAuthenticated is returned when no access token is stored.
	ErrNotAuthenticated = errors.New("not authenticated with ClickUp")
	// ErrNoTeam is returned when an operation needs a team and none is set.
	ErrNoTeam = errors.New("no ClickUp team selected")
)

// AuthenticationError means the user has to sign in again.
type AuthenticationError struct {
	Message        string
	RequiresReauth bool
	Err            error
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return ReauthMessage
	}
	return e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from ClickUp.
type APIError struct {
	Status  int
	Message string
	// Code is ClickUp's ECODE, when present.
	Code string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("API Error: %d", e.Status)
}

// NetworkError wraps a transport failure that survived all retries.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsAuthError reports whether err requires re-authentication.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr) && authErr.RequiresReauth
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsNotFound reports whether err says the resource is gone.
func IsNotFound(err error) bool {
	if StatusOf(err) == 404 {
		return true
	}
	return err != nil && looksDeleted(err.Error())
}

func looksDeleted(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "deleted") ||
		strings.Contains(msg, "does not exist")
}

// LooksDeleted reports whether an error message describes a missing resource.
func LooksDeleted(msg string) bool { return looksDeleted(msg) }

// UserMessage turns err into a message fit for the extension UI.
func UserMessage(err error) string {
	var (
		authErr *AuthenticationError
		apiErr  *APIError
		netErr  *NetworkError
	)
	switch {
	case errors.As(err, &authErr):
		return authErr.Error()
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Status == 429:
			return fmt.Sprintf("Rate limited by ClickUp (%d), please try again", apiErr.Status)
		case apiErr.Status >= 500:
			return fmt.Sprintf("Request failed (%d), please try again", apiErr.Status)
		}
		return apiErr.Error()
	case errors.As(err, &netErr):
		return "Network error, please check your connection and try again"
	case err == nil:
		return ""
	}
	return err.Error()
}
