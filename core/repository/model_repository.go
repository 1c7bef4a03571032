package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ai-serving/core/models"

	"github.com/google/uuid"
)

// ModelRepository handles database operations for models
type ModelRepository struct {
	db *DB
}

// NewModelRepository creates a new model repository
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{db: db}
}

// CreateModel inserts a model with an empty module path
func (r *ModelRepository) CreateModel(ctx context.Context, model *models.Model) error {
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO models (id, name, module_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query, model.ID, model.Name, model.ModulePath, now, now); err != nil {
		return fmt.Errorf("failed to create model %s: %w", model.Name, err)
	}

	model.CreatedAt = now
	model.UpdatedAt = now
	return nil
}

// SetModulePath records the artifact location once its upload completed
func (r *ModelRepository) SetModulePath(ctx context.Context, id, modulePath string) error {
	query := `UPDATE models SET module_path = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, modulePath, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// DeleteModel removes a model record
func (r *ModelRepository) DeleteModel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// GetModel retrieves a model by ID
func (r *ModelRepository) GetModel(ctx context.Context, id string) (*models.Model, error) {
	query := `
		SELECT id, name, module_path, created_at, updated_at
		FROM models
		WHERE id = $1
	`

	var model models.Model
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&model.ID,
		&model.Name,
		&model.ModulePath,
		&model.CreatedAt,
		&model.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &model, nil
}

// ListModels lists models that finished uploading, oldest first
func (r *ModelRepository) ListModels(ctx context.Context, offset, limit int) ([]*models.Model, error) {
	query := `
		SELECT id, name, module_path, created_at, updated_at
		FROM models
		WHERE module_path <> ''
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Model
	for rows.Next() {
		var model models.Model
		if err := rows.Scan(
			&model.ID,
			&model.Name,
			&model.ModulePath,
			&model.CreatedAt,
			&model.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &model)
	}

	return result, rows.Err()
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
