package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackPath is where the provider redirects the browser.
const CallbackPath = "/callback"

// CallbackServer receives one OAuth redirect on the loopback interface.
type CallbackServer struct {
	ln     net.Listener
	srv    *http.Server
	result chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

// ListenCallback starts a callback server on addr.
func ListenCallback(addr string) (*CallbackServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for sign-in callback: %w", err)
	}
	c := &CallbackServer{ln: ln, result: make(chan callbackResult, 1)}

	r := chi.NewRouter()
	r.Get(CallbackPath, c.handle)
	c.srv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = c.srv.Serve(ln) }()
	return c, nil
}

// RedirectURL is the URL the provider must redirect to.
func (c *CallbackServer) RedirectURL() string {
	return "http://" + c.ln.Addr().String() + CallbackPath
}

func (c *CallbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := callbackResult{code: q.Get("code")}
	switch {
	case q.Get("error") != "":
		res.err = fmt.Errorf("sign-in refused: %s %s", q.Get("error"), q.Get("error_description"))
	case res.code == "":
		res.err = errors.New("sign-in callback without code")
	}
	select {
	case c.result <- res:
	default:
	}
	if res.err != nil {
		http.Error(w, "Sign-in failed. You can close this window.", http.StatusBadRequest)
		return
	}
	_, _ = w.Write([]byte("Signed in. You can close this window and return to the terminal."))
}

// Wait returns the authorization code of the first redirect.
func (c *CallbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-c.result:
		return res.code, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the server.
func (c *CallbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.srv.Shutdown(ctx)
}
