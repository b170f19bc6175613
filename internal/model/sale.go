package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the product grade of a SKU. Moving from base to premium is an
// upgrade.
type Tier string

const (
	TierBase    Tier = "Mainstream"
	TierPremium Tier = "Premium"
)

// ParseTier maps free-form tier labels onto the two known tiers. Unknown or
// empty labels yield "".
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainstream", "base", "standard":
		return TierBase
	case "premium":
		return TierPremium
	}
	return ""
}

// IsUpgradeFrom reports whether moving from prev to t is a base-to-premium upgrade.
func (t Tier) IsUpgradeFrom(prev Tier) bool {
	return prev == TierBase && t == TierPremium
}

// SalesRecord is one invoiced sale as delivered by the upstream system.
type SalesRecord struct {
	TaxID        string          `json:"tax_id" yaml:"tax_id" validate:"required,taxid"`
	CustomerName string          `json:"customer_name" yaml:"customer_name" validate:"required"`
	RepName      string          `json:"rep_name" yaml:"rep_name" validate:"required"`
	Family       string          `json:"product_family" yaml:"product_family" validate:"required"`
	SKU          string          `json:"sku_code" yaml:"sku_code"`
	Volume       decimal.Decimal `json:"volume" yaml:"volume" validate:"dgte0"`
	Sector       string          `json:"sector" yaml:"sector"`
	SubSector    string          `json:"sub_sector" yaml:"sub_sector"`
	Tier         Tier            `json:"tier,omitempty" yaml:"tier,omitempty"`
	InvoiceNo    string          `json:"invoice_no,omitempty" yaml:"invoice_no,omitempty"`
	InvoiceDate  time.Time       `json:"invoice_date,omitzero" yaml:"invoice_date,omitempty"`
}

// SKUAllocation is the cumulative volume recorded per (opportunity, SKU).
type SKUAllocation struct {
	ID            int64           `json:"id"`
	OpportunityID int64           `json:"opportunity_id"`
	SKU           string          `json:"sku"`
	Family        string          `json:"family"`
	Tier          Tier            `json:"tier"`
	RepID         string          `json:"rep_id"`
	Volume        decimal.Decimal `json:"volume"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SaleLine is a row of sales history, used for prior-year lookups.
type SaleLine struct {
	ID          int64           `json:"id"`
	TaxID       string          `json:"tax_id"`
	Family      string          `json:"family"`
	SKU         string          `json:"sku"`
	Tier        Tier            `json:"tier"`
	Volume      decimal.Decimal `json:"volume"`
	InvoiceNo   string          `json:"invoice_no"`
	InvoiceDate time.Time       `json:"invoice_date"`
	BatchID     string          `json:"batch_id"`
}

// ReturnRecord is a goods return against a prior sale.
type ReturnRecord struct {
	TaxID     string          `json:"tax_id" yaml:"tax_id" validate:"required,taxid"`
	Family    string          `json:"product_family" yaml:"product_family" validate:"required"`
	Volume    decimal.Decimal `json:"volume" yaml:"volume" validate:"dgt0"`
	Reason    string          `json:"reason" yaml:"reason"`
	Reference string          `json:"reference" yaml:"reference"`
	BatchID   string          `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
}

// Engagement is a scheduled rep visit or call for a customer.
type Engagement struct {
	ID        int64     `json:"id"`
	TaxID     string    `json:"tax_id"`
	RepName   string    `json:"rep_name"`
	Active    bool      `json:"active"`
	Completed bool      `json:"completed"`
	Remarks   string    `json:"remarks"`
	UpdatedAt time.Time `json:"updated_at"`
}
