package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/examsync/internal/types"
)

// watcherBuffer is how many notices a slow watcher may fall behind before
// notices are dropped for it.
const watcherBuffer = 16

type watcher struct {
	attemptID string
	ch        chan types.SavedNotice
}

// WatchHub fans save notices out to the watchers of each attempt. Publish
// never blocks: a watcher whose buffer is full misses the notice.
// It implements api.Hub.
type WatchHub struct {
	mu       sync.RWMutex
	watchers map[int]*watcher
	nextID   int
	closed   bool
	dropped  int
	logger   *slog.Logger
}

// NewWatchHub creates an empty hub.
func NewWatchHub(logger *slog.Logger) *WatchHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchHub{
		watchers: make(map[int]*watcher),
		logger:   logger.With("channel", "websocket"),
	}
}

// Subscribe registers a watcher of attemptID. The returned cancel func
// unregisters it and closes the channel; it is safe to call twice.
func (h *WatchHub) Subscribe(attemptID string) (<-chan types.SavedNotice, func()) {
	ch := make(chan types.SavedNotice, watcherBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.watchers[id] = &watcher{attemptID: attemptID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if w, ok := h.watchers[id]; ok {
				delete(h.watchers, id)
				close(w.ch)
			}
		})
	}
}

// Publish delivers n to every watcher of n.AttemptID.
func (h *WatchHub) Publish(n types.SavedNotice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.watchers {
		if w.attemptID != n.AttemptID {
			continue
		}
		select {
		case w.ch <- n:
		default:
			h.dropped++
			h.logger.Debug("watcher lagging, notice dropped", "attempt_id", n.AttemptID)
		}
	}
}

// Watchers returns how many watchers are registered for attemptID.
func (h *WatchHub) Watchers(attemptID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, w := range h.watchers {
		if w.attemptID == attemptID {
			n++
		}
	}
	return n
}

// Dropped returns how many notices were dropped for lagging watchers.
func (h *WatchHub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close ends every watch stream.
func (h *WatchHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, w := range h.watchers {
		close(w.ch)
		delete(h.watchers, id)
	}
	h.logger.Info("watch hub closed")
}

// Watch connects to the save-notice stream of attemptID on serverURL and
// calls fn for each notice until ctx is done or the server closes the stream.
func Watch(ctx context.Context, serverURL, token, attemptID string, fn func(types.SavedNotice)) error {
	u, err := watchURL(serverURL, attemptID)
	if err != nil {
		return err
	}

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return fmt.Errorf("dial watch: %w", err)
	}
	defer conn.CloseNow()

	for {
		var n types.SavedNotice
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("watch closed: %s", ce.Reason)
			}
			return fmt.Errorf("read notice: %w", err)
		}
		fn(n)
	}
}

func watchURL(serverURL, attemptID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/api/attempts/" + url.PathEscape(attemptID) + "/watch"
	return u.String(), nil
}
