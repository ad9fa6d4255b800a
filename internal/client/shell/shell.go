package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/atinyakov/smartmark/internal/viewmodel"
)

// Completer finishes a sign-in with the code from the provider redirect.
type Completer interface {
	Complete(ctx context.Context, code string) (models.Session, error)
}

// Callback waits for one provider redirect.
type Callback interface {
	Wait(ctx context.Context) (string, error)
	Close() error
}

// Config wires a Shell.
type Config struct {
	VM   *viewmodel.ViewModel
	Auth Completer
	// Listen opens the loopback callback for a login.
	Listen   func() (Callback, error)
	Provider string
	Out      io.Writer
	// LoginTimeout bounds the wait for the browser. Defaults to 5m.
	LoginTimeout time.Duration
}

// Shell is the interactive loop of the terminal client.
type Shell struct {
	cfg Config

	mu  sync.Mutex
	out io.Writer
}

// New returns a shell for cfg.
func New(cfg Config) *Shell {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 5 * time.Minute
	}
	return &Shell{cfg: cfg, out: cfg.Out}
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// Run reads commands from in until exit, end of input or ctx is done.
// Changes pushed by the live feed are printed as they arrive.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		s.watch(ctx)
	}()
	defer func() {
		cancel()
		<-watched
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		s.printf("%s", Prompt)
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				s.printf("\n")
				return nil
			}
			line = l
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			s.printf("%v\n", err)
			continue
		}
		if cmd.Name == "exit" {
			s.printf("Bye\n")
			return nil
		}
		s.exec(ctx, cmd)
	}
}

func (s *Shell) exec(ctx context.Context, cmd Command) {
	vm := s.cfg.VM
	switch cmd.Name {
	case "":
	case "help":
		s.printf("%s\n", HelpText)
	case "login":
		s.login(ctx)
	case "logout":
		if err := vm.SignOut(ctx); err != nil {
			s.printf("Sign out failed: %v\n", err)
			return
		}
		s.printf("Signed out.\n")
	case "list":
		s.printf("%s", FormatBookmarks(vm.Snapshot()))
	case "whoami":
		snap := vm.Snapshot()
		if snap.Identity == nil {
			s.printf("Not signed in.\n")
			return
		}
		s.printf("%s\n", describe(*snap.Identity))
	case "add":
		if vm.Snapshot().Status != viewmodel.SignedIn {
			s.printf("Not signed in. Use 'login' first.\n")
			return
		}
		if err := vm.AddBookmark(ctx, cmd.Title, cmd.URL); err != nil {
			s.printf("Add failed: %v\n", err)
			return
		}
		s.printf("Added.\n")
	case "delete":
		err := vm.DeleteBookmark(ctx, cmd.ID)
		switch {
		case errors.Is(err, backend.ErrNoSession):
			s.printf("Not signed in. Use 'login' first.\n")
		case err != nil:
			s.printf("Delete failed: %v\n", err)
		default:
			s.printf("Deleted %d.\n", cmd.ID)
		}
	case "refresh":
		if err := vm.Refresh(ctx); err != nil {
			s.printf("Refresh failed: %v\n", err)
			return
		}
		s.printf("%s", FormatBookmarks(vm.Snapshot()))
	}
}

func (s *Shell) login(ctx context.Context) {
	if s.cfg.Listen == nil || s.cfg.Auth == nil {
		s.printf("Sign in is not available.\n")
		return
	}
	cb, err := s.cfg.Listen()
	if err != nil {
		s.printf("Sign in failed: %v\n", err)
		return
	}
	defer cb.Close()

	u, err := s.cfg.VM.SignIn(ctx, s.cfg.Provider)
	if err != nil {
		s.printf("Sign in failed: %v\n", err)
		return
	}
	s.printf("Open this URL in your browser to sign in:\n  %s\nWaiting for the browser...\n", u)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LoginTimeout)
	defer cancel()
	code, err := cb.Wait(waitCtx)
	if err != nil {
		s.printf("Sign in failed: %v\n", err)
		return
	}
	sess, err := s.cfg.Auth.Complete(ctx, code)
	if err != nil {
		s.printf("Sign in failed: %v\n", err)
		return
	}
	s.printf("Signed in as %s.\n", describe(sess.Identity))
}

// watch prints pushed changes of the identity, the collection or the
// notice. Edits of the pending input are not printed.
func (s *Shell) watch(ctx context.Context) {
	last := digest(s.cfg.VM.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-s.cfg.VM.Updates():
			if !ok {
				return
			}
			d := digest(snap)
			if d == last {
				continue
			}
			prev := last
			last = d
			if snap.Notice != "" && snap.Notice != prev.notice {
				s.printf("\n! %s\n", snap.Notice)
			}
			if d.identity != prev.identity || d.bookmarks != prev.bookmarks {
				s.printf("\n%s", FormatBookmarks(snap))
			}
		}
	}
}

type snapshotDigest struct {
	identity  string
	bookmarks string
	notice    string
}

func digest(snap viewmodel.Snapshot) snapshotDigest {
	d := snapshotDigest{notice: snap.Notice}
	if snap.Identity != nil {
		d.identity = snap.Identity.ID
	}
	var b strings.Builder
	for _, bm := range snap.Bookmarks {
		fmt.Fprintf(&b, "%d;", bm.ID)
	}
	d.bookmarks = b.String()
	return d
}

// FormatBookmarks renders the collection of snap, newest first.
func FormatBookmarks(snap viewmodel.Snapshot) string {
	if snap.Status != viewmodel.SignedIn || snap.Identity == nil {
		return "Not signed in.\n"
	}
	if len(snap.Bookmarks) == 0 {
		return "No bookmarks.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Bookmarks of %s:\n", describe(*snap.Identity))
	for _, bm := range snap.Bookmarks {
		fmt.Fprintf(&b, "%6d  %s  %s\n", bm.ID, bm.Title, bm.URL)
	}
	return b.String()
}

func describe(id models.Identity) string {
	if id.Email != "" {
		return id.Email
	}
	return id.ID
}
