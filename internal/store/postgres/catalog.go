package postgres

import (
	"context"
	"database/sql"
	"errors"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/store"
)

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, image_url, active, updated_at
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, image_url, active, updated_at
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, store.ErrNotFound
		}
		return domain.Product{}, err
	}
	return p, nil
}

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.ImageURL, &p.Active, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
