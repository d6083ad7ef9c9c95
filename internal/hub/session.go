package hub

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

const clientBuffer = 16

// Session is the part of a sockjs session the hub uses.
type Session interface {
	Request() *http.Request
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

// Handler serves the realtime endpoint under prefix.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		h.Serve(session)
	})
}

// Serve runs one client connection until it closes. Clients start
// subscribed to the queue topic and may switch with subscribe messages.
func (h *Hub) Serve(session Session) {
	role := roleFromRequest(session.Request())
	if role == "" {
		_ = session.Close(4001, "missing role")
		return
	}

	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer), Subscription: Subscription{Topic: TopicQueue}}
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{Topic: TopicQueue})
			continue
		}
		if !isAllowed(role, parsed.Topic) {
			_ = session.Close(4003, "access denied")
			return
		}
		h.UpdateSubscription(client, Subscription{Topic: parsed.Topic, CounterID: parsed.CounterID})
	}
}

func roleFromRequest(r *http.Request) models.Role {
	if r == nil {
		return ""
	}
	if role := strings.TrimSpace(r.Header.Get("X-Actor-Role")); role != "" {
		return models.Role(role)
	}
	return models.Role(strings.TrimSpace(r.URL.Query().Get("role")))
}

// isAllowed keeps payment traffic to roles that may settle.
func isAllowed(role models.Role, topic string) bool {
	if topic == TopicPayments || topic == "" {
		return store.RequireSettlementRole(role) == nil
	}
	return true
}
