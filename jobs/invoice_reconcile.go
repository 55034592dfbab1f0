package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/merenda-erp/merenda-erp/internal/billing"
	jobmetrics "github.com/merenda-erp/merenda-erp/internal/jobs"
)

const defaultScanLimit = 200

type invoiceVerifier interface {
	VerifyInvoice(ctx context.Context, id int64) (billing.Reconciliation, error)
	ListInvoices(ctx context.Context, req billing.ListInvoicesRequest) ([]billing.Invoice, error)
}

// InvoiceReconcileJob audits persisted invoices: header totals must equal the sum of their
// allocation details and every item must be fully allocated.
type InvoiceReconcileJob struct {
	Service invoiceVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoiceReconcileJob initialises the reconciliation handlers.
func NewInvoiceReconcileJob(service invoiceVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceReconcileJob {
	return &InvoiceReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle verifies a single invoice.
func (j *InvoiceReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("invoice reconcile: handler not configured")
	}
	var payload InvoiceReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.InvoiceID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskInvoiceReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	rec, err := j.Service.VerifyInvoice(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			j.logger().Info("invoice gone before reconciliation", slog.Int64("invoice_id", payload.InvoiceID))
			return nil
		}
		return fmt.Errorf("invoice reconcile %d: %w", payload.InvoiceID, err)
	}
	if !rec.OK() {
		j.Metrics.AddMismatches(TaskInvoiceReconcile, 1)
	}
	return nil
}

// HandleScan verifies the most recent issued invoices.
func (j *InvoiceReconcileJob) HandleScan(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("invoice reconcile scan: handler not configured")
	}
	var payload InvoiceReconcileScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 || payload.Limit > defaultScanLimit {
		payload.Limit = defaultScanLimit
	}

	start := time.Now()
	tracker := j.Metrics.Track(TaskInvoiceReconcileScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.logger().With(slog.Int("limit", payload.Limit))

	invoices, err := j.Service.ListInvoices(ctx, billing.ListInvoicesRequest{SupplierID: payload.SupplierID, Limit: payload.Limit})
	if err != nil {
		logger.Error("list invoices", slog.Any("error", err))
		return err
	}

	checked, mismatched := 0, 0
	for _, inv := range invoices {
		if inv.Status != billing.InvoiceStatusIssued {
			continue
		}
		rec, err := j.Service.VerifyInvoice(ctx, inv.ID)
		if err != nil {
			if errors.Is(err, billing.ErrInvoiceNotFound) {
				continue
			}
			return fmt.Errorf("invoice reconcile scan %d: %w", inv.ID, err)
		}
		checked++
		if !rec.OK() {
			mismatched++
		}
	}
	j.Metrics.AddMismatches(TaskInvoiceReconcileScan, mismatched)

	logger.Info("completed invoice reconciliation scan",
		slog.Int("checked", checked),
		slog.Int("mismatched", mismatched),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *InvoiceReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
