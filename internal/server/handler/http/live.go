package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/metrics"
	"github.com/atinyakov/smartmark/internal/middleware"
	"github.com/atinyakov/smartmark/internal/viewmodel"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Frame types of the live channel.
const (
	FrameSnapshot = "snapshot"
	FrameSetTitle = "set_title"
	FrameSetURL   = "set_url"
	FrameAdd      = "add"
	FrameDelete   = "delete"
	FrameRefresh  = "refresh"
	FrameSignOut  = "sign_out"
)

// SessionSource hands out the shared auth backend of a browser session.
type SessionSource interface {
	Acquire(sid string) (backend.AuthBackend, func())
}

// ServerFrame is sent by the server.
type ServerFrame struct {
	Type string              `json:"type"`
	Data *viewmodel.Snapshot `json:"data,omitempty"`
}

// ClientFrame is sent by the page.
type ClientFrame struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	ID    int64  `json:"id,omitempty"`
}

// LiveHandler serves the live channel. Every connection runs its own
// view-model on the auth backend shared by its browser session and streams
// its snapshots to the page.
type LiveHandler struct {
	Sessions SessionSource
	Store    backend.DataStore
	Feed     backend.ChangeFeed
	Retry    viewmodel.RetryPolicy
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	// OriginPatterns lists extra origins allowed to open the channel.
	OriginPatterns []string
	// WriteTimeout bounds one frame write. Defaults to 10s.
	WriteTimeout time.Duration
}

// Serve handles GET /api/live.
func (h *LiveHandler) Serve(w http.ResponseWriter, r *http.Request) {
	log := h.logger().With(zap.String("conn", uuid.NewString()))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	authBackend, release := h.Sessions.Acquire(middleware.GetSessionIDFromContext(r.Context()))
	defer release()
	vm := viewmodel.New(viewmodel.Config{
		Auth:    authBackend,
		Store:   h.Store,
		Feed:    h.Feed,
		Logger:  log,
		Metrics: h.Metrics,
		Retry:   h.Retry,
	})
	defer vm.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		h.readLoop(ctx, conn, vm, log)
	}()

	if err := vm.RestoreSession(ctx); err != nil {
		log.Info("live session not restored", zap.Error(err))
	}
	snap := vm.Snapshot()
	if err := h.write(ctx, conn, snap); err != nil {
		return
	}
	log.Debug("live channel open")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap, ok := <-vm.Updates():
			if !ok {
				return
			}
			if err := h.write(ctx, conn, snap); err != nil {
				log.Debug("live write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *LiveHandler) write(ctx context.Context, conn *websocket.Conn, snap viewmodel.Snapshot) error {
	timeout := h.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ServerFrame{Type: FrameSnapshot, Data: &snap})
}

// readLoop applies client frames to vm until the connection ends. Failures
// of an operation reach the page as the snapshot notice.
func (h *LiveHandler) readLoop(ctx context.Context, conn *websocket.Conn, vm *viewmodel.ViewModel, log *zap.Logger) {
	for {
		var f ClientFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("live channel closed by client")
			default:
				if ctx.Err() == nil {
					log.Debug("live read failed", zap.Error(err))
				}
			}
			return
		}
		if err := h.apply(ctx, vm, f); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("live frame failed", zap.String("type", f.Type), zap.Error(err))
		}
	}
}

func (h *LiveHandler) apply(ctx context.Context, vm *viewmodel.ViewModel, f ClientFrame) error {
	switch f.Type {
	case FrameSetTitle:
		return vm.SetTitle(ctx, f.Title)
	case FrameSetURL:
		return vm.SetURL(ctx, f.URL)
	case FrameAdd:
		if f.Title != "" || f.URL != "" {
			return vm.AddBookmark(ctx, f.Title, f.URL)
		}
		return vm.Submit(ctx)
	case FrameDelete:
		return vm.DeleteBookmark(ctx, f.ID)
	case FrameRefresh:
		return vm.Refresh(ctx)
	case FrameSignOut:
		return vm.SignOut(ctx)
	default:
		return errors.New("unknown frame type")
	}
}

func (h *LiveHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
