package bus

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards connect from a different origin in development
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// SSEHandler streams the event bus as Server-Sent Events. An optional
// ?type= filter narrows the stream to one event type.
func SSEHandler(b *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		var ch chan *Event
		if t := r.URL.Query().Get("type"); t != "" {
			ch = b.Subscribe(t)
		} else {
			ch = b.Subscribe()
		}
		defer b.Unsubscribe(ch)

		// Initial comment keeps proxies from buffering the stream
		w.Write([]byte(": connected\n\n"))
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				frame, err := event.SSEFormat()
				if err != nil {
					continue
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// WebsocketHandler mirrors the event bus over a websocket. One write
// loop per connection; the reader only services control frames.
func WebsocketHandler(b *Bus) http.HandlerFunc {
	logger := log.New(log.Writer(), "[WS] ", log.LstdFlags)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("⚠️ upgrade failed: %v", err)
			return
		}

		ch := b.Subscribe()
		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go func() {
			defer conn.Close()
			defer b.Unsubscribe(ch)
			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()

			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				case event, ok := <-ch:
					if !ok {
						return
					}
					payload, err := event.JSON()
					if err != nil {
						continue
					}
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				}
			}
		}()
	}
}
