package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/botwall/internal/metrics"
	"github.com/rawblock/botwall/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Hub is served on the admin listener, auth happens upstream
	},
}

const (
	subscriberBufferSize = 64
	writeDeadline        = 5 * time.Second
)

// subscriber is one websocket client with its own bounded outbound queue.
// A slow consumer loses its oldest events; it never stalls the publisher
// or the other subscribers.
type subscriber struct {
	conn    *websocket.Conn
	send    chan []byte
	dropped uint64
}

// Hub fans detection events out to websocket subscribers. It implements
// the orchestrator's event sink, so publishing must never block the
// request path.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]bool)}
}

// PublishDetection marshals the event once and enqueues it to every
// subscriber, dropping each subscriber's oldest event when its queue is
// full.
func (h *Hub) PublishDetection(ev models.DetectionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[EventHub] Failed to marshal detection event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		for {
			select {
			case sub.send <- payload:
			default:
				// Queue full: evict the oldest event and retry.
				select {
				case <-sub.send:
					sub.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe upgrades the connection and registers a new subscriber.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[EventHub] Failed to upgrade websocket: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberBufferSize)}

	h.mu.Lock()
	h.subs[sub] = true
	total := len(h.subs)
	h.mu.Unlock()
	metrics.EventSubscribers.Set(float64(total))

	log.Printf("[EventHub] Subscriber connected (total %d)", total)

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// SubscriberCount reports connected subscribers for the stats endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer h.remove(sub)
	for payload := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("[EventHub] Write failed, dropping subscriber: %v", err)
			return
		}
	}
}

// readLoop discards inbound frames; it exists only to notice disconnects.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[EventHub] Read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if !h.subs[sub] {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	// Closing under the lock is what makes it safe: the publisher only
	// sends while holding the same lock, and only to registered subs.
	close(sub.send)
	total := len(h.subs)
	h.mu.Unlock()

	sub.conn.Close()
	metrics.EventSubscribers.Set(float64(total))
	if sub.dropped > 0 {
		log.Printf("[EventHub] Subscriber disconnected (total %d, %d events dropped)", total, sub.dropped)
	} else {
		log.Printf("[EventHub] Subscriber disconnected (total %d)", total)
	}
}
