package priority

import (
	"math/rand"
	"testing"
	"time"

	"qms/counter-service/internal/models"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func customer(id int64, flags models.PriorityFlags, createdAt time.Time) models.Customer {
	return models.Customer{CustomerID: id, Priority: flags, CreatedAt: createdAt, Status: models.StatusWaiting}
}

func TestTier(t *testing.T) {
	cases := []struct {
		flags models.PriorityFlags
		want  int64
	}{
		{models.PriorityFlags{}, TierNone},
		{models.PriorityFlags{Pregnant: true}, TierPregnant},
		{models.PriorityFlags{Disabled: true}, TierDisabled},
		{models.PriorityFlags{Senior: true}, TierSenior},
		{models.PriorityFlags{Senior: true, Pregnant: true}, TierSenior},
		{models.PriorityFlags{Disabled: true, Pregnant: true}, TierDisabled},
	}
	for _, tt := range cases {
		if got := Tier(tt.flags); got != tt.want {
			t.Fatalf("Tier(%+v)=%d, want %d", tt.flags, got, tt.want)
		}
	}
}

func TestTierPrecedence(t *testing.T) {
	now := base.Add(time.Hour)
	customers := []models.Customer{
		customer(1, models.PriorityFlags{}, base),
		customer(2, models.PriorityFlags{Pregnant: true}, base.Add(10*time.Minute)),
		customer(3, models.PriorityFlags{Disabled: true}, base.Add(20*time.Minute)),
		customer(4, models.PriorityFlags{Senior: true}, base.Add(30*time.Minute)),
	}
	Sort(customers, now)
	want := []int64{4, 3, 2, 1}
	for i, c := range customers {
		if c.CustomerID != want[i] {
			t.Fatalf("position %d: got customer %d, want %d", i, c.CustomerID, want[i])
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	now := base.Add(time.Hour)
	customers := []models.Customer{
		customer(7, models.PriorityFlags{Senior: true}, base.Add(5*time.Minute)),
		customer(3, models.PriorityFlags{Senior: true}, base.Add(15*time.Minute)),
		customer(9, models.PriorityFlags{Senior: true}, base),
	}
	Sort(customers, now)
	want := []int64{9, 7, 3}
	for i, c := range customers {
		if c.CustomerID != want[i] {
			t.Fatalf("position %d: got customer %d, want %d", i, c.CustomerID, want[i])
		}
	}
}

func TestIdenticalTimestampsBreakByID(t *testing.T) {
	now := base.Add(time.Minute)
	a := Rank(customer(12, models.PriorityFlags{Disabled: true}, base), now)
	b := Rank(customer(11, models.PriorityFlags{Disabled: true}, base), now)
	if a.Score != b.Score {
		t.Fatalf("expected equal scores, got %d and %d", a.Score, b.Score)
	}
	if !b.Less(a) || a.Less(b) {
		t.Fatalf("expected customer 11 ahead of 12")
	}
}

func TestManualPositionsGoFirst(t *testing.T) {
	now := base.Add(time.Hour)
	two, five := 2, 5
	customers := []models.Customer{
		customer(1, models.PriorityFlags{Senior: true}, base),
		customer(2, models.PriorityFlags{}, base.Add(time.Minute)),
		customer(3, models.PriorityFlags{}, base.Add(2*time.Minute)),
		customer(4, models.PriorityFlags{}, base.Add(3*time.Minute)),
	}
	customers[3].ManualPosition = &five
	customers[2].ManualPosition = &two
	Sort(customers, now)
	want := []int64{3, 4, 1, 2}
	for i, c := range customers {
		if c.CustomerID != want[i] {
			t.Fatalf("position %d: got customer %d, want %d", i, c.CustomerID, want[i])
		}
	}
}

func TestAgeDoesNotOverflowTier(t *testing.T) {
	now := base.Add(1000 * time.Hour)
	old := Rank(customer(1, models.PriorityFlags{Pregnant: true}, base), now)
	fresh := Rank(customer(2, models.PriorityFlags{Disabled: true}, now), now)
	if !fresh.Less(old) {
		t.Fatalf("higher tier must outrank any age: old=%d fresh=%d", old.Score, fresh.Score)
	}
	if got := AgeSeconds(now, base); got != 0 {
		t.Fatalf("future creation must clamp to 0, got %d", got)
	}
}

func TestStrictTotalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := base.Add(2 * time.Hour)
	var customers []models.Customer
	for i := int64(1); i <= 200; i++ {
		flags := models.PriorityFlags{
			Senior:   rng.Intn(6) == 0,
			Disabled: rng.Intn(5) == 0,
			Pregnant: rng.Intn(4) == 0,
		}
		created := base.Add(time.Duration(rng.Intn(90)) * time.Minute)
		customers = append(customers, customer(i, flags, created))
	}
	Sort(customers, now)
	for i := 1; i < len(customers); i++ {
		prev, cur := customers[i-1], customers[i]
		pk, ck := Rank(prev, now), Rank(cur, now)
		if !pk.Less(ck) || ck.Less(pk) {
			t.Fatalf("order not strict at %d: %+v vs %+v", i, pk, ck)
		}
		pt, ct := Tier(prev.Priority), Tier(cur.Priority)
		if pt < ct {
			t.Fatalf("tier inversion at %d: %d before %d", i, pt, ct)
		}
		if pt == ct && prev.CreatedAt.After(cur.CreatedAt) {
			t.Fatalf("FIFO violated within tier %d at %d", pt, i)
		}
	}
}

func TestPosition(t *testing.T) {
	now := base.Add(time.Hour)
	customers := []models.Customer{
		customer(1, models.PriorityFlags{}, base),
		customer(2, models.PriorityFlags{Senior: true}, base.Add(time.Minute)),
	}
	if got := Position(customers, 1, now); got != 2 {
		t.Fatalf("expected position 2, got %d", got)
	}
	if got := Position(customers, 99, now); got != 0 {
		t.Fatalf("expected 0 for absent customer, got %d", got)
	}
	if customers[0].CustomerID != 1 {
		t.Fatalf("Position must not reorder its input")
	}
}
