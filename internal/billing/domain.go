// Package billing splits order items across funding modalities and records the result as
// immutable invoices.
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice states.
type InvoiceStatus string

const (
	InvoiceStatusIssued    InvoiceStatus = "ISSUED"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// Modality is a funding category with a relative repasse weight.
type Modality struct {
	ID            int64
	Name          string
	RepasseWeight decimal.Decimal
	Active        bool
}

// Order is the purchase order an invoice bills.
type Order struct {
	ID         int64
	SupplierID int64
	ContractID *int64
	Status     string
}

// OrderItem is one priced line of an order.
type OrderItem struct {
	ID        int64
	OrderID   int64
	ProductID int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// TotalValue is quantity × unit price rounded to cents.
func (i OrderItem) TotalValue() decimal.Decimal {
	return roundValue(i.Quantity.Mul(i.UnitPrice))
}

// AllocationSplit is the share of one order item assigned to one modality.
type AllocationSplit struct {
	ModalityID    int64           `json:"modality_id"`
	ModalityName  string          `json:"modality_name"`
	RepasseWeight decimal.Decimal `json:"repasse_weight"`
	Percentage    decimal.Decimal `json:"proportional_percentage"`
	Quantity      decimal.Decimal `json:"proportional_quantity"`
	Value         decimal.Decimal `json:"proportional_value"`
}

// ItemAllocation groups the splits computed for one order item.
type ItemAllocation struct {
	OrderItemID int64
	ProductID   int64
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TotalValue  decimal.Decimal
	Splits      []AllocationSplit
	// Corrected is set when rounding drift was pushed onto the last split.
	Corrected bool
}

// Invoice is the persisted header aggregating every split of an order.
type Invoice struct {
	ID           int64
	OrderID      int64
	SupplierID   int64
	ContractID   *int64
	TotalValue   decimal.Decimal
	Status       InvoiceStatus
	Observations string
	CancelReason string
	CreatedAt    time.Time
}

// AllocationDetail is one persisted (invoice, order item, modality) row.
type AllocationDetail struct {
	ID                   int64
	InvoiceID            int64
	OrderItemID          int64
	ProductID            int64
	ModalityID           int64
	QuantityOriginal     decimal.Decimal
	QuantityModality     decimal.Decimal
	PercentageModality   decimal.Decimal
	UnitPrice            decimal.Decimal
	ValueModality        decimal.Decimal
	ValueRepasseModality decimal.Decimal
	Observations         string
}

// InvoiceWithDetails includes the header and its allocation rows.
type InvoiceWithDetails struct {
	Invoice
	Details []AllocationDetail
}

// InvoiceResult is returned by CreateInvoice.
type InvoiceResult struct {
	Invoice     Invoice
	Allocations []ItemAllocation
}

// ReportRow is an allocation detail joined with product and modality names.
type ReportRow struct {
	ModalityID   int64
	ModalityName string
	ProductID    int64
	ProductName  string
	Quantity     decimal.Decimal
	Value        decimal.Decimal
}

// ProductBreakdown is one product's share inside a modality summary.
type ProductBreakdown struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
}

// ModalitySummary aggregates an invoice per modality.
type ModalitySummary struct {
	Name          string             `json:"name"`
	QuantityTotal decimal.Decimal    `json:"quantity_total"`
	ValueTotal    decimal.Decimal    `json:"value_total"`
	Products      []ProductBreakdown `json:"product_breakdown"`
}

// Report is the per-modality view of a persisted invoice.
type Report struct {
	InvoiceID      int64             `json:"invoice_id"`
	Modalities     []ModalitySummary `json:"modalities"`
	QuantityTotal  decimal.Decimal   `json:"quantity_total"`
	ValueTotal     decimal.Decimal   `json:"value_total"`
	ModalitiesUsed []string          `json:"modalities_used"`
}

// Reconciliation is the outcome of re-checking a persisted invoice against its details.
type Reconciliation struct {
	InvoiceID   int64
	HeaderTotal decimal.Decimal
	DetailTotal decimal.Decimal
	Mismatches  []string
}

// OK reports whether the invoice reconciled.
func (r Reconciliation) OK() bool { return len(r.Mismatches) == 0 }

// --- Input DTOs ---

// CreateInvoiceInput describes an invoice request.
type CreateInvoiceInput struct {
	OrderID      int64
	SupplierID   int64
	ContractID   *int64
	Observations string
}

// CancelInvoiceInput describes a cancellation.
type CancelInvoiceInput struct {
	InvoiceID int64
	Reason    string
}

// ListInvoicesRequest filters invoices.
type ListInvoicesRequest struct {
	OrderID    int64
	SupplierID int64
	Limit      int
	Offset     int
}
