package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live event stream subscriptions by shop ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with shop identifier.
type message struct {
	shopID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	shopID string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.shopID]; !ok {
				h.clients[sub.shopID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.shopID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.shopID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.shopID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.shopID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.shopID)
				}
			}
		}
	}
}

// Register adds a client to a shop's event stream.
func (h *Hub) Register(shopID string, client Subscriber) {
	h.register <- subscription{shopID: shopID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(shopID string, client Subscriber) {
	h.unreg <- subscription{shopID: shopID, client: client}
}

// Broadcast sends payload to all clients watching a shop.
func (h *Hub) Broadcast(shopID string, payload []byte) {
	h.broadcast <- message{shopID: shopID, payload: payload}
}
