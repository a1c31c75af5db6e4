package main

import (
	"context"

	"github.com/shopspring/decimal"

	"entitykit/internal/core/apperror"
	"entitykit/internal/core/entity"
)

const productsSchema = `
CREATE TABLE IF NOT EXISTS products (
	id              uuid PRIMARY KEY,
	created_at      timestamptz NOT NULL,
	created_by      varchar(50) NOT NULL,
	last_updated_at timestamptz,
	last_updated_by varchar(50),
	deleted_at      timestamptz,
	deleted_by      varchar(50),
	row_version     bytea,
	code            text NOT NULL UNIQUE,
	name            text NOT NULL,
	price           numeric(12, 2) NOT NULL DEFAULT 0
);
`

// Product carries every facet.
type Product struct {
	entity.Entity
	Code  string          `db:"code" validate:"required,max=20"`
	Name  string          `db:"name" validate:"required,max=200"`
	Price decimal.Decimal `db:"price"`
}

func (p *Product) Validate(_ context.Context) error {
	if p.Price.IsNegative() {
		return apperror.NewValidation("price must not be negative").WithDetail("field", "price")
	}
	return nil
}
