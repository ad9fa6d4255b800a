package shell

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/smartmark/internal/backend/backendtest"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/atinyakov/smartmark/internal/viewmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// lockedBuffer is an io.Writer safe for the shell and its watcher.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeCallback struct{ code string }

func (f *fakeCallback) Wait(context.Context) (string, error) { return f.code, nil }
func (f *fakeCallback) Close() error                         { return nil }

type completerFunc func(ctx context.Context, code string) (models.Session, error)

func (f completerFunc) Complete(ctx context.Context, code string) (models.Session, error) {
	return f(ctx, code)
}

func newVM(t *testing.T, authBackend *backendtest.Auth, store *backendtest.Store, feed *backendtest.Feed) *viewmodel.ViewModel {
	t.Helper()
	vm := viewmodel.New(viewmodel.Config{
		Auth:   authBackend,
		Store:  store,
		Feed:   feed,
		Logger: zaptest.NewLogger(t),
		Retry:  viewmodel.RetryPolicy{Attempts: 1},
	})
	t.Cleanup(vm.Close)
	return vm
}

func TestShell_AddListDelete(t *testing.T) {
	sess := backendtest.Session("alice", "alice@example.com")
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	vm := newVM(t, backendtest.NewAuth(&sess), store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))

	out := &lockedBuffer{}
	sh := New(Config{VM: vm, Out: out})
	in := strings.NewReader("whoami\nadd Go docs https://go.dev\nlist\ndelete 1\nbogus\nexit\n")
	require.NoError(t, sh.Run(context.Background(), in))

	text := out.String()
	assert.Contains(t, text, "alice@example.com")
	assert.Contains(t, text, "Added.")
	assert.Contains(t, text, "Go docs  https://go.dev")
	assert.Contains(t, text, "Deleted 1.")
	assert.Contains(t, text, "unknown command")
	assert.Contains(t, text, "Bye")
	assert.Empty(t, store.Rows("alice"))
}

func TestShell_SignedOut(t *testing.T) {
	vm := newVM(t, backendtest.NewAuth(nil), backendtest.NewStore(nil), backendtest.NewFeed())

	out := &lockedBuffer{}
	sh := New(Config{VM: vm, Out: out})
	require.NoError(t, sh.Run(context.Background(), strings.NewReader("list\nadd a b\ndelete 4\nwhoami\n")))

	text := out.String()
	assert.Equal(t, 4, strings.Count(text, "Not signed in."))
}

func TestShell_Login(t *testing.T) {
	authBackend := backendtest.NewAuth(nil)
	store := backendtest.NewStore(nil)
	store.Seed("bob", "Go", "https://go.dev")
	vm := newVM(t, authBackend, store, backendtest.NewFeed())

	var gotCode string
	complete := completerFunc(func(ctx context.Context, code string) (models.Session, error) {
		gotCode = code
		sess := backendtest.Session("bob", "bob@example.com")
		authBackend.Emit(models.AuthEvent{Kind: models.SignedIn, Session: &sess})
		return sess, nil
	})
	out := &lockedBuffer{}
	sh := New(Config{
		VM:       vm,
		Auth:     complete,
		Listen:   func() (Callback, error) { return &fakeCallback{code: "code-1"}, nil },
		Provider: "github",
		Out:      out,
	})

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- sh.Run(context.Background(), pr) }()

	_, err := pw.Write([]byte("login\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "https://go.dev")
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	text := out.String()
	assert.Equal(t, "code-1", gotCode)
	assert.Contains(t, text, "provider=github")
	assert.Contains(t, text, "Signed in as bob@example.com.")
}

func TestShell_LiveChangesArePrinted(t *testing.T) {
	sess := backendtest.Session("alice", "")
	feed := backendtest.NewFeed()
	store := backendtest.NewStore(feed)
	vm := newVM(t, backendtest.NewAuth(&sess), store, feed)
	require.NoError(t, vm.RestoreSession(context.Background()))
	require.Eventually(t, func() bool { return feed.Active("alice") == 1 }, time.Second, 5*time.Millisecond)

	out := &lockedBuffer{}
	sh := New(Config{VM: vm, Out: out})
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- sh.Run(context.Background(), pr) }()

	// Another device adds a bookmark.
	require.NoError(t, store.InsertBookmark(context.Background(), sess, models.NewBookmark{Title: "Remote", URL: "https://remote.example"}))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Remote  https://remote.example")
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
}

func TestFormatBookmarks(t *testing.T) {
	assert.Equal(t, "Not signed in.\n", FormatBookmarks(viewmodel.Snapshot{Status: viewmodel.SignedOut}))
	id := models.Identity{ID: "alice"}
	assert.Equal(t, "No bookmarks.\n", FormatBookmarks(viewmodel.Snapshot{Status: viewmodel.SignedIn, Identity: &id}))
}
