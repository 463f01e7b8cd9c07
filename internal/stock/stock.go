// Package stock keeps medicine counts in step with taken doses.
package stock

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/notify"
)

// Store updates a medicine under a row lock.
type Store interface {
	UpdateStock(ctx context.Context, medicineID int64, fn func(m *models.Medicine) error) (*models.Medicine, error)
}

// Result describes one decrement. Tracked is false for medicines without a
// stock count, in which case nothing changed.
type Result struct {
	Tracked  bool
	Before   float64
	After    float64
	LowStock bool
}

type Manager struct {
	store     Store
	signaler  notify.Signaler
	threshold float64
	logger    zerolog.Logger
}

// NewManager uses threshold for medicines that do not set their own.
func NewManager(store Store, signaler notify.Signaler, threshold float64, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		signaler:  signaler,
		threshold: threshold,
		logger:    logger.With().Str("component", "stock").Logger(),
	}
}

// Decrement removes amount from the medicine's stock, never going below zero.
// A low-stock signal is raised once, when the count first drops to or below
// the threshold.
func (m *Manager) Decrement(ctx context.Context, medicineID int64, amount float64) (Result, error) {
	var res Result
	threshold := m.threshold

	med, err := m.store.UpdateStock(ctx, medicineID, func(med *models.Medicine) error {
		if !med.TracksStock() {
			return nil
		}
		if med.LowStockThreshold != nil {
			threshold = *med.LowStockThreshold
		}
		before := *med.Stock
		after := before - amount
		if after < 0 {
			after = 0
		}
		med.Stock = &after

		res = Result{
			Tracked:  true,
			Before:   before,
			After:    after,
			LowStock: before > threshold && after <= threshold,
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("decrement stock of medicine %d: %w", medicineID, err)
	}

	if res.Tracked {
		m.logger.Debug().Int64("medicine_id", medicineID).Float64("before", res.Before).Float64("after", res.After).Msg("stock decremented")
	}
	if res.LowStock && m.signaler != nil {
		m.signaler.LowStock(ctx, notify.LowStockSignal{
			MedicineID: medicineID,
			Name:       med.Name,
			Unit:       med.Unit,
			Remaining:  res.After,
			Threshold:  threshold,
		})
	}
	return res, nil
}
