package store

import (
	"errors"
	"testing"
	"time"

	"qms/counter-service/internal/models"
)

func buildChain(t *testing.T) []models.QueueEvent {
	t.Helper()
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	counter := "C-01"
	customer := models.Customer{CustomerID: 4, CreatedAt: created, Status: models.StatusServing, CounterID: &counter}
	one := 1
	called, err := Chain(nil, NewQueueEvent(customer, models.StatusWaiting, "cashier-1", &one, created.Add(90*time.Second)))
	if err != nil {
		t.Fatalf("chain called: %v", err)
	}
	started := created.Add(2 * time.Minute)
	customer.Status = models.StatusProcessing
	customer.ProcessingStartedAt = &started
	processing, err := Chain(&called, NewQueueEvent(customer, models.StatusServing, "cashier-1", nil, started))
	if err != nil {
		t.Fatalf("chain processing: %v", err)
	}
	ended := created.Add(5 * time.Minute)
	customer.Status = models.StatusCompleted
	customer.ProcessingEndedAt = &ended
	served, err := Chain(&processing, NewQueueEvent(customer, models.StatusProcessing, "cashier-1", nil, ended))
	if err != nil {
		t.Fatalf("chain served: %v", err)
	}
	return []models.QueueEvent{called, processing, served}
}

func TestChainAndVerify(t *testing.T) {
	events := buildChain(t)
	if err := VerifyChain(events); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
	if events[0].Type != models.EventCalled || events[1].Type != models.EventProcessingStarted || events[2].Type != models.EventServed {
		t.Fatalf("unexpected event types: %s %s %s", events[0].Type, events[1].Type, events[2].Type)
	}
	if events[0].WaitSeconds == nil || *events[0].WaitSeconds != 90 {
		t.Fatalf("expected 90s wait on called event")
	}
	if events[2].ProcessingStartedAt == nil || events[2].ProcessingEndedAt == nil {
		t.Fatalf("served event must carry processing timestamps")
	}
	if got := ReplayStatus(events); got != models.StatusCompleted {
		t.Fatalf("expected completed after replay, got %s", got)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	events := buildChain(t)
	events[1].ActorID = "someone-else"
	if err := VerifyChain(events); !errors.Is(err, ErrEventChainBroken) {
		t.Fatalf("expected ErrEventChainBroken, got %v", err)
	}
}
