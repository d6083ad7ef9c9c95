// Package hub keeps the connected realtime clients and delivers broadcaster
// events to the ones whose subscription matches.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"qms/counter-service/internal/metrics"
	"qms/counter-service/internal/notify"
)

const (
	TopicQueue    = "queue"
	TopicPayments = "payments"
)

// Subscription filters what a client receives. Empty fields match anything.
type Subscription struct {
	Topic     string
	CounterID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	Topic     string `json:"topic"`
	CounterID string `json:"counter_id"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	metrics.RealtimeClients.Set(float64(len(h.clients)))
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.RealtimeClients.Set(float64(len(h.clients)))
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload on every matching client. A client whose buffer
// is full misses the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Warn().Str("client_id", client.ID).Str("topic", meta.Topic).Msg("drop realtime message")
		}
	}
}

func (h *Hub) Name() string { return "realtime" }

// Deliver makes the hub a notify.Sink.
func (h *Hub) Deliver(_ context.Context, event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Broadcast(payload, Subscription{Topic: TopicFor(event.Type), CounterID: event.CounterID})
	return nil
}

// TopicFor maps an event kind onto the topic clients subscribe to.
func TopicFor(kind notify.Kind) string {
	switch kind {
	case notify.KindSettlementCreated, notify.KindPaymentStatusUpdated:
		return TopicPayments
	default:
		return TopicQueue
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.Topic != "" && meta.Topic != sub.Topic {
		return false
	}
	if sub.CounterID != "" && meta.CounterID != "" && meta.CounterID != sub.CounterID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.Topic = strings.TrimSpace(msg.Topic)
	if msg.Topic != "" && msg.Topic != TopicQueue && msg.Topic != TopicPayments {
		return SubscribeMessage{}, false
	}
	return msg, true
}
