package models

type Counter struct {
	CounterID         string `json:"counter_id"`
	Name              string `json:"name"`
	Active            bool   `json:"active"`
	CurrentCustomerID *int64 `json:"current_customer_id,omitempty"`
}

func (c Counter) Free() bool {
	return c.CurrentCustomerID == nil
}
