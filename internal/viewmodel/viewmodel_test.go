package viewmodel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/backend/backendtest"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/atinyakov/smartmark/internal/viewmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newVM(t *testing.T, auth *backendtest.Auth, store *backendtest.Store, feed *backendtest.Feed) *viewmodel.ViewModel {
	t.Helper()
	vm := viewmodel.New(viewmodel.Config{
		Auth:   auth,
		Store:  store,
		Feed:   feed,
		Logger: zaptest.NewLogger(t),
		Retry:  viewmodel.RetryPolicy{Attempts: 1},
	})
	t.Cleanup(vm.Close)
	return vm
}

func signedIn(id string) *models.Session {
	s := backendtest.Session(id, id+"@example.com")
	return &s
}

func titles(bs []models.Bookmark) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Title)
	}
	return out
}

func waitBookmarks(t *testing.T, vm *viewmodel.ViewModel, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(vm.Snapshot().Bookmarks) == n
	}, waitFor, tick)
}

func TestRestoreSession_LoadsOwnBookmarksNewestFirst(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	store.Seed("A", "Old", "https://old.example.com")
	store.Seed("B", "Foreign", "https://b.example.com")
	store.Seed("A", "New", "https://new.example.com")
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, feed)

	require.NoError(t, vm.RestoreSession(context.Background()))

	snap := vm.Snapshot()
	assert.Equal(t, viewmodel.SignedIn, snap.Status)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "A", snap.Identity.ID)

	waitBookmarks(t, vm, 2)
	assert.Equal(t, []string{"New", "Old"}, titles(vm.Snapshot().Bookmarks))
	require.Eventually(t, func() bool { return feed.Active("A") == 1 }, waitFor, tick)
}

func TestRestoreSession_NoSession(t *testing.T) {
	store := backendtest.NewStore(nil)
	vm := newVM(t, backendtest.NewAuth(nil), store, backendtest.NewFeed())

	require.NoError(t, vm.RestoreSession(context.Background()))

	snap := vm.Snapshot()
	assert.Equal(t, viewmodel.SignedOut, snap.Status)
	assert.Nil(t, snap.Identity)
	assert.Empty(t, snap.Bookmarks)
	list, _, _ := store.Calls()
	assert.Zero(t, list)
}

func TestRestoreSession_Failure(t *testing.T) {
	auth := backendtest.NewAuth(nil)
	auth.CurrentErr = errors.New("auth down")
	vm := newVM(t, auth, backendtest.NewStore(nil), backendtest.NewFeed())

	err := vm.RestoreSession(context.Background())
	require.Error(t, err)

	snap := vm.Snapshot()
	assert.Equal(t, viewmodel.SignedOut, snap.Status)
	assert.Equal(t, viewmodel.NoticeSessionFailed, snap.Notice)
}

func TestChangeEvent_TriggersReconciliation(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	store.Seed("A", "First", "https://one.example.com")
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)
	require.Eventually(t, func() bool { return feed.Active("A") == 1 }, waitFor, tick)

	// Written by another client: the row lands without touching this view-model.
	store.Seed("A", "Second", "https://two.example.com")
	feed.Deliver("A", models.ChangeEvent{Type: models.ChangeInsert, Table: "bookmarks"})

	waitBookmarks(t, vm, 2)
	assert.Equal(t, store.Rows("A"), vm.Snapshot().Bookmarks)
}

func TestSignedOutEvent_ClearsWithoutNetwork(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	store.Seed("A", "Docs", "https://example.com")
	auth := backendtest.NewAuth(signedIn("A"))
	vm := newVM(t, auth, store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)
	require.NoError(t, vm.SetTitle(context.Background(), "draft"))
	listBefore, _, _ := store.Calls()

	auth.Emit(models.AuthEvent{Kind: models.SignedOut})

	require.Eventually(t, func() bool {
		return vm.Snapshot().Status == viewmodel.SignedOut
	}, waitFor, tick)
	snap := vm.Snapshot()
	assert.Nil(t, snap.Identity)
	assert.Empty(t, snap.Bookmarks)
	assert.Equal(t, "draft", snap.Pending.Title)
	listAfter, _, _ := store.Calls()
	assert.Equal(t, listBefore, listAfter)
	require.Eventually(t, func() bool { return feed.Active("A") == 0 }, waitFor, tick)
}

func TestSignOut_CallsAuthAndClears(t *testing.T) {
	store := backendtest.NewStore(nil)
	store.Seed("A", "Docs", "https://example.com")
	auth := backendtest.NewAuth(signedIn("A"))
	vm := newVM(t, auth, store, backendtest.NewFeed())
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)

	require.NoError(t, vm.SignOut(context.Background()))

	require.Eventually(t, func() bool {
		s := vm.Snapshot()
		return s.Status == viewmodel.SignedOut && len(s.Bookmarks) == 0
	}, waitFor, tick)
	assert.Equal(t, 1, auth.SignOutCalls)
}

func TestSignOut_Failure(t *testing.T) {
	auth := backendtest.NewAuth(signedIn("A"))
	auth.SignOutErr = errors.New("network")
	vm := newVM(t, auth, backendtest.NewStore(nil), backendtest.NewFeed())
	require.NoError(t, vm.RestoreSession(context.Background()))

	require.Error(t, vm.SignOut(context.Background()))
	snap := vm.Snapshot()
	assert.Equal(t, viewmodel.SignedIn, snap.Status)
	assert.Equal(t, viewmodel.NoticeSignOutFailed, snap.Notice)
}

func TestSignIn_ReturnsProviderURL(t *testing.T) {
	auth := backendtest.NewAuth(nil)
	vm := newVM(t, auth, backendtest.NewStore(nil), backendtest.NewFeed())

	u, err := vm.SignIn(context.Background(), "google")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize?provider=google", u)
	assert.Equal(t, 1, auth.SignInCalls)
	assert.Equal(t, viewmodel.SignedOut, vm.Snapshot().Status)
}

func TestAddBookmark_Preconditions(t *testing.T) {
	cases := []struct {
		name    string
		session *models.Session
		title   string
		url     string
	}{
		{name: "empty title", session: signedIn("A"), title: "", url: "https://example.com"},
		{name: "empty url", session: signedIn("A"), title: "Docs", url: ""},
		{name: "signed out", session: nil, title: "Docs", url: "https://example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := backendtest.NewStore(nil)
			vm := newVM(t, backendtest.NewAuth(tc.session), store, backendtest.NewFeed())
			require.NoError(t, vm.RestoreSession(context.Background()))
			require.NoError(t, vm.SetTitle(context.Background(), tc.title))
			require.NoError(t, vm.SetURL(context.Background(), tc.url))

			require.NoError(t, vm.Submit(context.Background()))

			_, inserts, _ := store.Calls()
			assert.Zero(t, inserts)
			snap := vm.Snapshot()
			assert.Equal(t, viewmodel.Pending{Title: tc.title, URL: tc.url}, snap.Pending)
			assert.Empty(t, snap.Notice)
		})
	}
}

func TestSubmit_CreatesAndClearsPending(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, feed)
	ctx := context.Background()
	require.NoError(t, vm.RestoreSession(ctx))
	require.NoError(t, vm.SetTitle(ctx, "Docs"))
	require.NoError(t, vm.SetURL(ctx, "https://example.com"))

	require.NoError(t, vm.Submit(ctx))

	snap := vm.Snapshot()
	assert.Equal(t, viewmodel.Pending{}, snap.Pending)
	require.Len(t, snap.Bookmarks, 1)
	assert.Equal(t, "Docs", snap.Bookmarks[0].Title)
	assert.Equal(t, "https://example.com", snap.Bookmarks[0].URL)
	assert.Equal(t, "A", snap.Bookmarks[0].UserID)

	// The echo from the change feed must not duplicate the row.
	require.Never(t, func() bool { return len(vm.Snapshot().Bookmarks) != 1 }, 100*time.Millisecond, tick)
}

func TestAddBookmark_FailureKeepsPending(t *testing.T) {
	store := backendtest.NewStore(nil)
	store.SetInsertErr(errors.New("insert failed"))
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, backendtest.NewFeed())
	ctx := context.Background()
	require.NoError(t, vm.RestoreSession(ctx))
	require.NoError(t, vm.SetTitle(ctx, "Docs"))
	require.NoError(t, vm.SetURL(ctx, "https://example.com"))

	require.Error(t, vm.Submit(ctx))

	snap := vm.Snapshot()
	assert.Equal(t, viewmodel.Pending{Title: "Docs", URL: "https://example.com"}, snap.Pending)
	assert.Equal(t, viewmodel.NoticeSaveFailed, snap.Notice)

	store.SetInsertErr(nil)
	require.NoError(t, vm.Submit(ctx))
	snap = vm.Snapshot()
	assert.Empty(t, snap.Notice)
	assert.Len(t, snap.Bookmarks, 1)
}

func TestDeleteBookmark_VisibleOnlyAfterReconciliation(t *testing.T) {
	feed := backendtest.NewFeed()
	feed.Manual = true
	store := backendtest.NewStore(feed)
	id := store.Seed("A", "Docs", "https://example.com")
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)
	require.Eventually(t, func() bool { return feed.Active("A") == 1 }, waitFor, tick)

	require.NoError(t, vm.DeleteBookmark(context.Background(), id))

	assert.Len(t, vm.Snapshot().Bookmarks, 1)
	assert.Empty(t, store.Rows("A"))

	feed.Deliver("A", models.ChangeEvent{Type: models.ChangeDelete, Table: "bookmarks"})
	waitBookmarks(t, vm, 0)
}

func TestDeleteBookmark_SignedOut(t *testing.T) {
	store := backendtest.NewStore(nil)
	vm := newVM(t, backendtest.NewAuth(nil), store, backendtest.NewFeed())

	err := vm.DeleteBookmark(context.Background(), 1)
	require.ErrorIs(t, err, backend.ErrNoSession)
	_, _, deletes := store.Calls()
	assert.Zero(t, deletes)
}

func TestDeleteBookmark_Failure(t *testing.T) {
	store := backendtest.NewStore(nil)
	id := store.Seed("A", "Docs", "https://example.com")
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, backendtest.NewFeed())
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)

	err := vm.DeleteBookmark(context.Background(), id+100)
	require.ErrorIs(t, err, backend.ErrNotFound)

	snap := vm.Snapshot()
	assert.Len(t, snap.Bookmarks, 1)
	assert.Equal(t, viewmodel.NoticeDeleteFailed, snap.Notice)

	require.NoError(t, vm.DeleteBookmark(context.Background(), id))
	assert.Empty(t, vm.Snapshot().Notice)
}

func TestIdentitySwitch_ResubscribesInOrder(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	store.Seed("A", "A1", "https://a.example.com")
	store.Seed("B", "B1", "https://b1.example.com")
	store.Seed("B", "B2", "https://b2.example.com")
	auth := backendtest.NewAuth(signedIn("A"))
	vm := newVM(t, auth, store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)
	require.Eventually(t, func() bool { return feed.Active("A") == 1 }, waitFor, tick)

	auth.Emit(models.AuthEvent{Kind: models.SignedIn, Session: signedIn("B")})

	require.Eventually(t, func() bool { return feed.Active("B") == 1 }, waitFor, tick)
	assert.Equal(t, []string{"sub:A", "unsub:A", "sub:B"}, feed.Log())
	waitBookmarks(t, vm, 2)
	snap := vm.Snapshot()
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "B", snap.Identity.ID)
	for _, b := range snap.Bookmarks {
		assert.Equal(t, "B", b.UserID)
	}
}

func TestIdentitySwitch_DiscardsStaleRefresh(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	store.Seed("A", "A1", "https://a.example.com")
	store.Seed("B", "B1", "https://b.example.com")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	store.SetListHook(func(owner string) {
		if owner != "A" {
			return
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	auth := backendtest.NewAuth(signedIn("A"))
	vm := newVM(t, auth, store, feed)
	t.Cleanup(unblock)
	require.NoError(t, vm.RestoreSession(context.Background()))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("refresh for A never started")
	}

	auth.Emit(models.AuthEvent{Kind: models.SignedIn, Session: signedIn("B")})
	waitBookmarks(t, vm, 1)
	assert.Equal(t, "B1", vm.Snapshot().Bookmarks[0].Title)

	unblock()
	require.Never(t, func() bool {
		for _, b := range vm.Snapshot().Bookmarks {
			if b.UserID == "A" {
				return true
			}
		}
		return false
	}, 150*time.Millisecond, tick)
}

func TestTokenRefresh_KeepsCollection(t *testing.T) {
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	store.Seed("A", "Docs", "https://example.com")
	auth := backendtest.NewAuth(signedIn("A"))
	vm := newVM(t, auth, store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))
	waitBookmarks(t, vm, 1)
	require.Eventually(t, func() bool { return feed.Active("A") == 1 }, waitFor, tick)

	refreshed := signedIn("A")
	refreshed.AccessToken = "token-A-2"
	auth.Emit(models.AuthEvent{Kind: models.TokenRefreshed, Session: refreshed})

	require.Eventually(t, func() bool {
		log := feed.Log()
		return len(log) == 3 && feed.Active("A") == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"sub:A", "unsub:A", "sub:A"}, feed.Log())
	assert.Len(t, vm.Snapshot().Bookmarks, 1)
}

func TestRefresh_FailureSetsNoticeAndRecovers(t *testing.T) {
	store := backendtest.NewStore(nil)
	store.Seed("A", "Docs", "https://example.com")
	store.SetListErr(errors.New("boom"))
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, backendtest.NewFeed())
	require.NoError(t, vm.RestoreSession(context.Background()))

	require.Eventually(t, func() bool {
		return vm.Snapshot().Notice == viewmodel.NoticeLoadFailed
	}, waitFor, tick)
	assert.Empty(t, vm.Snapshot().Bookmarks)

	store.SetListErr(nil)
	require.NoError(t, vm.Refresh(context.Background()))
	snap := vm.Snapshot()
	assert.Empty(t, snap.Notice)
	assert.Len(t, snap.Bookmarks, 1)
}

func TestRefresh_RetriesTransientErrors(t *testing.T) {
	store := backendtest.NewStore(nil)
	store.Seed("A", "Docs", "https://example.com")
	store.SetListErr(errors.New("flaky"))
	var calls atomic.Int32
	store.SetListHook(func(string) {
		// The error is read before the hook runs, so the third call succeeds.
		if calls.Add(1) == 2 {
			store.SetListErr(nil)
		}
	})
	vm := viewmodel.New(viewmodel.Config{
		Auth:   backendtest.NewAuth(signedIn("A")),
		Store:  store,
		Logger: zaptest.NewLogger(t),
		Retry:  viewmodel.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	t.Cleanup(vm.Close)

	require.NoError(t, vm.RestoreSession(context.Background()))

	waitBookmarks(t, vm, 1)
	assert.Empty(t, vm.Snapshot().Notice)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRefresh_DoesNotRetryUnauthorized(t *testing.T) {
	store := backendtest.NewStore(nil)
	store.SetListErr(backend.ErrUnauthorized)
	vm := viewmodel.New(viewmodel.Config{
		Auth:   backendtest.NewAuth(signedIn("A")),
		Store:  store,
		Logger: zaptest.NewLogger(t),
		Retry:  viewmodel.RetryPolicy{Attempts: 3, Initial: time.Millisecond},
	})
	t.Cleanup(vm.Close)

	require.NoError(t, vm.RestoreSession(context.Background()))

	require.Eventually(t, func() bool {
		return vm.Snapshot().Notice == viewmodel.NoticeLoadFailed
	}, waitFor, tick)
	list, _, _ := store.Calls()
	assert.Equal(t, 1, list)
}

func TestSubscribeFailure_SetsNotice(t *testing.T) {
	feed := backendtest.NewFeed()
	feed.SubscribeErr = errors.New("socket closed")
	store := backendtest.NewStore(feed)
	store.Seed("A", "Docs", "https://example.com")
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, feed)

	require.NoError(t, vm.RestoreSession(context.Background()))

	require.Eventually(t, func() bool {
		return vm.Snapshot().Notice == viewmodel.NoticeLiveFailed
	}, waitFor, tick)
	waitBookmarks(t, vm, 1)
}

func TestSubscribeFailure_RetriesAndClearsNotice(t *testing.T) {
	feed := backendtest.NewFeed()
	feed.SetSubscribeErr(errors.New("realtime unavailable"))
	store := backendtest.NewStore(feed)
	vm := newVM(t, backendtest.NewAuth(signedIn("A")), store, feed)

	require.NoError(t, vm.RestoreSession(context.Background()))
	require.Eventually(t, func() bool {
		return vm.Snapshot().Notice == viewmodel.NoticeLiveFailed
	}, waitFor, tick)
	assert.Equal(t, 0, feed.Active("A"))

	feed.SetSubscribeErr(nil)

	require.Eventually(t, func() bool {
		return feed.Active("A") == 1 && vm.Snapshot().Notice == ""
	}, waitFor, tick)

	// The recovered subscription reconciles like any other.
	store.Seed("A", "Docs", "https://example.com")
	feed.Publish("A", models.ChangeEvent{Type: models.ChangeInsert})
	waitBookmarks(t, vm, 1)
}

func TestSubscribeFailure_StopsRetryingAfterSignOut(t *testing.T) {
	feed := backendtest.NewFeed()
	feed.SetSubscribeErr(errors.New("realtime unavailable"))
	auth := backendtest.NewAuth(signedIn("A"))
	vm := newVM(t, auth, backendtest.NewStore(feed), feed)

	require.NoError(t, vm.RestoreSession(context.Background()))
	require.Eventually(t, func() bool {
		return vm.Snapshot().Notice == viewmodel.NoticeLiveFailed
	}, waitFor, tick)

	auth.Emit(models.AuthEvent{Kind: models.SignedOut})
	require.Eventually(t, func() bool {
		return vm.Snapshot().Status == viewmodel.SignedOut
	}, waitFor, tick)
	feed.SetSubscribeErr(nil)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, feed.Active("A"))
}

func TestSignInAndSignOut_SuccessClearsNotice(t *testing.T) {
	auth := backendtest.NewAuth(signedIn("A"))
	auth.SignInErr = errors.New("provider down")
	auth.SignOutErr = errors.New("network")
	vm := newVM(t, auth, backendtest.NewStore(nil), backendtest.NewFeed())
	require.NoError(t, vm.RestoreSession(context.Background()))

	_, err := vm.SignIn(context.Background(), "google")
	require.Error(t, err)
	assert.Equal(t, viewmodel.NoticeSignInFailed, vm.Snapshot().Notice)

	auth.SignInErr = nil
	_, err = vm.SignIn(context.Background(), "google")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return vm.Snapshot().Notice == "" }, waitFor, tick)

	require.Error(t, vm.SignOut(context.Background()))
	assert.Equal(t, viewmodel.NoticeSignOutFailed, vm.Snapshot().Notice)

	auth.SignOutErr = nil
	require.NoError(t, vm.SignOut(context.Background()))
	require.Eventually(t, func() bool {
		snap := vm.Snapshot()
		return snap.Notice == "" && snap.Status == viewmodel.SignedOut
	}, waitFor, tick)
}

func TestUpdates_DeliversLatestSnapshot(t *testing.T) {
	vm := newVM(t, backendtest.NewAuth(nil), backendtest.NewStore(nil), backendtest.NewFeed())
	ctx := context.Background()

	require.NoError(t, vm.SetTitle(ctx, "a"))
	require.NoError(t, vm.SetTitle(ctx, "ab"))

	select {
	case snap := <-vm.Updates():
		assert.Equal(t, "ab", snap.Pending.Title)
		assert.Equal(t, vm.Snapshot().Version, snap.Version)
	case <-time.After(waitFor):
		t.Fatal("no snapshot delivered")
	}
}

func TestClose_ReleasesSubscriptions(t *testing.T) {
	feed := backendtest.NewFeed()
	auth := backendtest.NewAuth(signedIn("A"))
	vm := viewmodel.New(viewmodel.Config{
		Auth:   auth,
		Store:  backendtest.NewStore(feed),
		Feed:   feed,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, vm.RestoreSession(context.Background()))
	require.Eventually(t, func() bool { return feed.Active("A") == 1 }, waitFor, tick)
	assert.Equal(t, 1, auth.Listeners())

	vm.Close()
	vm.Close()

	assert.Zero(t, auth.Listeners())
	assert.Zero(t, feed.Active("A"))
	for range vm.Updates() {
	}
	assert.ErrorIs(t, vm.SetTitle(context.Background(), "x"), viewmodel.ErrClosed)
	assert.ErrorIs(t, vm.Refresh(context.Background()), viewmodel.ErrClosed)
}
