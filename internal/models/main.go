// Package models defines the core data structures shared by the view-model,
// the backend adapters and the hosting surfaces.
package models

import (
	"time"
)

// Identity is the authenticated user reference that owns bookmarks.
type Identity struct {
	// ID is the backend user id (a UUID for GoTrue users).
	ID string `json:"id" validate:"required"`
	// Email is the address reported by the identity provider.
	Email string `json:"email"`
}

// Session is an authenticated session issued by the auth backend.
type Session struct {
	// AccessToken is the bearer token presented to the data store and change feed.
	AccessToken string `json:"access_token" validate:"required"`
	// RefreshToken is exchanged for a new session before ExpiresAt.
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the moment the access token stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`
	// Identity is the user the session belongs to.
	Identity Identity `json:"identity"`
}

// Expired reports whether the access token is no longer valid at now.
// A zero ExpiresAt never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Bookmark is a stored URL/title pair. Bookmarks are never edited in place.
type Bookmark struct {
	// ID is assigned by the server and stable for the bookmark's lifetime.
	ID int64 `json:"id" validate:"required"`
	// Title is the display name chosen by the user.
	Title string `json:"title" validate:"required"`
	// URL is the bookmarked address.
	URL string `json:"url" validate:"required"`
	// UserID is the owning identity id.
	UserID string `json:"user_id" validate:"required"`
	// CreatedAt orders the collection, newest first.
	CreatedAt time.Time `json:"created_at" validate:"required"`
}

// NewBookmark is the create request payload.
type NewBookmark struct {
	Title string `json:"title" validate:"required,max=512"`
	URL   string `json:"url" validate:"required,max=2048,http_url"`
}

// AuthEventKind enumerates auth-state push notifications.
type AuthEventKind string

const (
	// SignedIn is emitted when a session is established.
	SignedIn AuthEventKind = "signed_in"
	// TokenRefreshed is emitted when the session was renewed for the same identity.
	TokenRefreshed AuthEventKind = "token_refreshed"
	// SignedOut is emitted on explicit sign-out.
	SignedOut AuthEventKind = "signed_out"
	// Expired is emitted when the session lapsed and could not be renewed.
	Expired AuthEventKind = "expired"
)

// AuthEvent is an auth-state push. Session is nil when no session is present.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
}

// ChangeType is the kind of row change reported by the change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a change-feed notification. Only its arrival matters to
// consumers; the fields are informational.
type ChangeEvent struct {
	Type       ChangeType `json:"type"`
	Table      string     `json:"table"`
	CommitTime time.Time  `json:"commit_timestamp"`
}
