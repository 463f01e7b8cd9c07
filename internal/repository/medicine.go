package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/models"
)

type MedicineRepository struct {
	db *database.DB
}

func NewMedicineRepository(db *database.DB) *MedicineRepository {
	return &MedicineRepository{db: db}
}

const medicineColumns = `medicine_id, name, unit, notes, active, stock, low_stock_threshold, created_at`

func scanMedicine(row pgx.Row) (*models.Medicine, error) {
	m := &models.Medicine{}
	err := row.Scan(&m.MedicineID, &m.Name, &m.Unit, &m.Notes, &m.Active, &m.Stock, &m.LowStockThreshold, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (r *MedicineRepository) CreateMedicine(ctx context.Context, m *models.Medicine) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO medicines (name, unit, notes, active, stock, low_stock_threshold)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING medicine_id, created_at`,
		m.Name, m.Unit, m.Notes, m.Active, m.Stock, m.LowStockThreshold,
	).Scan(&m.MedicineID, &m.CreatedAt)
}

func (r *MedicineRepository) GetMedicine(ctx context.Context, medicineID int64) (*models.Medicine, error) {
	return scanMedicine(r.db.Pool.QueryRow(ctx,
		`SELECT `+medicineColumns+` FROM medicines WHERE medicine_id = $1`,
		medicineID,
	))
}

func (r *MedicineRepository) ListMedicines(ctx context.Context) ([]*models.Medicine, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+medicineColumns+` FROM medicines ORDER BY name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var medicines []*models.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, err
		}
		medicines = append(medicines, m)
	}
	return medicines, rows.Err()
}

// UpdateStock locks the medicine row, lets fn change it and writes the stock
// back in the same transaction. The returned medicine is the stored result.
func (r *MedicineRepository) UpdateStock(ctx context.Context, medicineID int64, fn func(m *models.Medicine) error) (*models.Medicine, error) {
	var out *models.Medicine
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		m, err := scanMedicine(tx.QueryRow(ctx,
			`SELECT `+medicineColumns+` FROM medicines WHERE medicine_id = $1 FOR UPDATE`,
			medicineID,
		))
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE medicines SET stock = $1 WHERE medicine_id = $2`,
			m.Stock, medicineID,
		); err != nil {
			return fmt.Errorf("write stock: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
