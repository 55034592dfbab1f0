package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceReconcile re-checks one persisted invoice against its allocation details.
	TaskInvoiceReconcile = "billing:invoice:reconcile"
	// TaskInvoiceReconcileScan re-checks the most recent issued invoices.
	TaskInvoiceReconcileScan = "billing:invoice:reconcile_scan"
)

// InvoiceReconcilePayload identifies the invoice to verify.
type InvoiceReconcilePayload struct {
	InvoiceID int64 `json:"invoice_id"`
}

// InvoiceReconcileScanPayload bounds a periodic scan.
type InvoiceReconcileScanPayload struct {
	Limit      int   `json:"limit"`
	SupplierID int64 `json:"supplier_id,omitempty"`
}

// NewInvoiceReconcileTask constructs an Asynq task.
func NewInvoiceReconcileTask(invoiceID int64) (*asynq.Task, error) {
	if invoiceID <= 0 {
		return nil, fmt.Errorf("jobs: invalid invoice id %d", invoiceID)
	}
	data, err := json.Marshal(InvoiceReconcilePayload{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceReconcile, data), nil
}

// NewInvoiceReconcileScanTask constructs the periodic scan task.
func NewInvoiceReconcileScanTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(InvoiceReconcileScanPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceReconcileScan, data), nil
}
