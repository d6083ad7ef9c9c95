// Package priority ranks waiting customers into a strict total order.
//
// Customers with a manual override position sort first, ascending by
// position. Everyone else is scored as tier*Scale + age in seconds and sorts
// by score descending, so a higher tier always wins and, within a tier, the
// customer who has waited longest goes first. Equal keys fall back to the
// customer id.
package priority

import (
	"sort"
	"time"

	"qms/counter-service/internal/models"
)

const (
	TierSenior   int64 = 1000
	TierDisabled int64 = 900
	TierPregnant int64 = 800
	TierNone     int64 = 0

	// Scale keeps the age term of a score below the next tier's range.
	Scale int64 = 100000
)

// Key is the sort key of one customer at one instant.
type Key struct {
	Manual     bool  `json:"manual"`
	Position   int   `json:"position,omitempty"`
	Score      int64 `json:"score,omitempty"`
	CustomerID int64 `json:"customer_id"`
}

// Tier returns the highest tier granted by the flags.
func Tier(flags models.PriorityFlags) int64 {
	switch {
	case flags.Senior:
		return TierSenior
	case flags.Disabled:
		return TierDisabled
	case flags.Pregnant:
		return TierPregnant
	default:
		return TierNone
	}
}

// AgeSeconds is the clamped whole-second age used in a score.
func AgeSeconds(createdAt, now time.Time) int64 {
	age := int64(now.Sub(createdAt) / time.Second)
	if age < 0 {
		return 0
	}
	if age >= Scale {
		return Scale - 1
	}
	return age
}

func Rank(customer models.Customer, now time.Time) Key {
	if customer.ManualPosition != nil {
		return Key{Manual: true, Position: *customer.ManualPosition, CustomerID: customer.CustomerID}
	}
	return Key{
		Score:      Tier(customer.Priority)*Scale + AgeSeconds(customer.CreatedAt, now),
		CustomerID: customer.CustomerID,
	}
}

// Less reports whether k is served before other.
func (k Key) Less(other Key) bool {
	if k.Manual != other.Manual {
		return k.Manual
	}
	if k.Manual && k.Position != other.Position {
		return k.Position < other.Position
	}
	if !k.Manual && k.Score != other.Score {
		return k.Score > other.Score
	}
	return k.CustomerID < other.CustomerID
}

// Sort orders customers in place, first served first. Every key is computed
// against the same instant.
func Sort(customers []models.Customer, now time.Time) {
	keys := make(map[int64]Key, len(customers))
	for _, c := range customers {
		keys[c.CustomerID] = Rank(c, now)
	}
	sort.SliceStable(customers, func(i, j int) bool {
		return keys[customers[i].CustomerID].Less(keys[customers[j].CustomerID])
	})
}

// Position returns the 1-based place of customerID among customers once
// ranked, or 0 when it is absent.
func Position(customers []models.Customer, customerID int64, now time.Time) int {
	ranked := make([]models.Customer, len(customers))
	copy(ranked, customers)
	Sort(ranked, now)
	for i, c := range ranked {
		if c.CustomerID == customerID {
			return i + 1
		}
	}
	return 0
}
