package models

import "time"

type Medicine struct {
	MedicineID        int64     `json:"medicine_id"`
	Name              string    `json:"name"`
	Unit              string    `json:"unit"`
	Notes             string    `json:"notes"`
	Active            bool      `json:"active"`
	Stock             *float64  `json:"stock"`               // nil when stock is not tracked
	LowStockThreshold *float64  `json:"low_stock_threshold"` // nil falls back to the configured default
	CreatedAt         time.Time `json:"created_at"`
}

// TracksStock returns true if this medicine has a stock count
func (m *Medicine) TracksStock() bool {
	return m.Stock != nil
}
