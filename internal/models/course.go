package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Course is the read-only view of a course needed to take payment for it.
type Course struct {
	ID          uuid.UUID       `json:"id"`
	Title       string          `json:"title"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	IsPublished bool            `json:"is_published"`
}
