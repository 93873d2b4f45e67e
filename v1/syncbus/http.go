package syncbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// watch subscribes to the lock and unlock events of resource and merges
// them into one stream of "lock" and "unlock" messages. The stream ends
// when ctx is done.
func watch(ctx context.Context, bus Bus, resource string) (<-chan string, error) {
	locked, err := bus.Subscribe(ctx, "lock:"+resource)
	if err != nil {
		return nil, err
	}
	unlocked, err := bus.Subscribe(ctx, "unlock:"+resource)
	if err != nil {
		_ = bus.Unsubscribe(context.Background(), "lock:"+resource, locked)
		return nil, err
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		for locked != nil || unlocked != nil {
			var msg string
			select {
			case _, ok := <-locked:
				if !ok {
					locked = nil
					continue
				}
				msg = "lock"
			case _, ok := <-unlocked:
				if !ok {
					unlocked = nil
					continue
				}
				msg = "unlock"
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SSEHandler streams the lock events of one resource over Server-Sent
// Events. The resource is taken from the "resource" query parameter.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			http.Error(w, "missing resource", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := watch(ctx, bus, resource)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for msg := range events {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams the lock events of one resource over WebSocket,
// one text message per event.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			http.Error(w, "missing resource", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := watch(ctx, bus, resource)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		// The client never sends anything; reading detects when it goes away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for msg := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}
}
