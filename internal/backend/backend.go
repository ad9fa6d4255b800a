// Package backend declares the contract the view-model consumes from the
// managed backend: an auth service, a bookmark data store and a change feed.
// Adapters for concrete services live in subpackages and in
// internal/repository and internal/changefeed.
package backend

import (
	"context"

	"github.com/atinyakov/smartmark/internal/models"
)

// Subscription is a scoped handle on a long-lived listener. Unsubscribe
// releases it; calling it more than once is a no-op.
type Subscription interface {
	Unsubscribe()
}

// AuthBackend is the auth service as seen by one client (a browser session
// or a terminal).
type AuthBackend interface {
	// CurrentSession returns the valid session, or ErrNoSession.
	CurrentSession(ctx context.Context) (*models.Session, error)
	// OnAuthStateChange registers fn for every auth-state push until the
	// returned subscription is released.
	OnAuthStateChange(fn func(models.AuthEvent)) Subscription
	// SignInWithOAuth starts the provider flow and returns the URL the user
	// must visit. The resulting session arrives as an auth-state push.
	SignInWithOAuth(ctx context.Context, provider string) (string, error)
	// SignOut terminates the session. The signed-out push follows.
	SignOut(ctx context.Context) error
}

// DataStore reads and writes bookmarks on behalf of a session. Row access
// is restricted to the session's identity by the store.
type DataStore interface {
	// ListBookmarks returns every bookmark owned by the session identity,
	// newest first.
	ListBookmarks(ctx context.Context, sess models.Session) ([]models.Bookmark, error)
	// InsertBookmark creates a bookmark owned by the session identity.
	InsertBookmark(ctx context.Context, sess models.Session, nb models.NewBookmark) error
	// DeleteBookmark removes the bookmark with id.
	DeleteBookmark(ctx context.Context, sess models.Session, id int64) error
}

// ChangeFeed delivers a notification for every insert, update or delete of
// a bookmark owned by the session identity.
type ChangeFeed interface {
	Subscribe(ctx context.Context, sess models.Session, fn func(models.ChangeEvent)) (Subscription, error)
}
