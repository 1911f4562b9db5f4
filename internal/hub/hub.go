package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	subscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_subscribers",
		Help: "Currently connected broadcast subscribers",
	})
	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_events_delivered_total",
		Help: "Events delivered to subscribers",
	}, []string{"type"})
	subscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_subscribers_evicted_total",
		Help: "Subscribers dropped for falling behind on delivery",
	})
)

// Hub keeps the registry of live websocket subscribers and fans events out
// to all of them. Registration and publish run concurrently; the map is the
// only shared state and is mutex-guarded.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the subscriber until its
// connection dies.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

// Broadcast delivers the event to every currently registered subscriber.
// Subscribers that cannot keep up are evicted rather than blocking publish.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event")
		return
	}

	h.mu.Lock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
			eventsDelivered.WithLabelValues(string(ev.Type)).Inc()
		default:
			stalled = append(stalled, c)
		}
	}
	for _, c := range stalled {
		h.dropLocked(c)
		subscribersEvicted.Inc()
	}
	h.mu.Unlock()
}

// Subscribers reports the current registry size.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// reply delivers a payload to one subscriber if it is still registered. The
// membership check keeps the send off a channel the hub already closed.
func (h *Hub) reply(c *client, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	subscriberGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
	subscriberGauge.Set(float64(len(h.clients)))
}
