package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub owns stream subscriptions keyed by application ID. All mutation happens
// on the run goroutine; a channel that fails a send is removed immediately
// rather than being left for later collection.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
}

// message couples payload with application identifier.
type message struct {
	appID   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	appID  string
	client Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = make(map[string]map[Subscriber]struct{})
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.appID]; !ok {
				h.clients[sub.appID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.appID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.appID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.appID)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.appID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.appID)
			}
		}
	}
}

// Register adds a client to an application stream.
func (h *Hub) Register(appID string, client Subscriber) {
	select {
	case h.register <- subscription{appID: appID, client: client}:
	case <-h.stop:
		client.Close()
	}
}

// Unregister removes a client. Unknown clients are ignored.
func (h *Hub) Unregister(appID string, client Subscriber) {
	select {
	case h.unreg <- subscription{appID: appID, client: client}:
	case <-h.stop:
	}
}

// Broadcast sends payload to all clients subscribed to the application.
// Publishing to an application with no subscribers is a no-op.
func (h *Hub) Broadcast(appID string, payload []byte) {
	select {
	case h.broadcast <- message{appID: appID, payload: payload}:
	case <-h.stop:
	}
}

// Shutdown closes every subscriber and stops the run goroutine.
func (h *Hub) Shutdown() {
	close(h.stop)
}
