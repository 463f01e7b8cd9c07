package repository

import (
	"context"

	"github.com/hray3182/MedLine/internal/database"
	"github.com/hray3182/MedLine/internal/models"
)

type TagRepository struct {
	db *database.DB
}

func NewTagRepository(db *database.DB) *TagRepository {
	return &TagRepository{db: db}
}

// CreateTag returns the existing tag when the name is already taken.
func (r *TagRepository) CreateTag(ctx context.Context, name string) (*models.Tag, error) {
	tag := &models.Tag{}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO tags (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING tag_id, name`,
		name,
	).Scan(&tag.TagID, &tag.Name)
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (r *TagRepository) TagMedicine(ctx context.Context, medicineID, tagID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO medicine_tags (medicine_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		medicineID, tagID,
	)
	return err
}

func (r *TagRepository) ListMedicineTags(ctx context.Context, medicineID int64) ([]*models.Tag, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT t.tag_id, t.name FROM tags t
		 JOIN medicine_tags mt ON mt.tag_id = t.tag_id
		 WHERE mt.medicine_id = $1
		 ORDER BY t.name ASC`,
		medicineID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		tag := &models.Tag{}
		if err := rows.Scan(&tag.TagID, &tag.Name); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
