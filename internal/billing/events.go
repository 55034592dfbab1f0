package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceIssuedEvent is emitted after an invoice and its allocation details are committed.
type InvoiceIssuedEvent struct {
	InvoiceID  int64
	OrderID    int64
	SupplierID int64
	TotalValue decimal.Decimal
	Items      int
	IssuedAt   time.Time
}

// IntegrationHandler receives billing domain events.
type IntegrationHandler interface {
	HandleInvoiceIssued(ctx context.Context, evt InvoiceIssuedEvent) error
}
