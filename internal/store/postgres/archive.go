package postgres

import (
	"context"
	"encoding/json"

	"qms/counter-service/internal/store"
)

// Archive writes the closing snapshot of a customer to customer_history. A
// second delivery for the same customer is ignored.
func (s *Store) Archive(ctx context.Context, record store.ArchiveRecord) error {
	snapshot, err := json.Marshal(record.Customer)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO customer_history (customer_id, disposition, actor_id, archived_at, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_id) DO NOTHING
	`, record.Customer.CustomerID, record.Disposition, record.ActorID, record.ArchivedAt, snapshot)
	return err
}
