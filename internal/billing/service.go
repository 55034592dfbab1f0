package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// OrderItemStore is the read-only source of orders, their items and modality configuration.
type OrderItemStore interface {
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrderItems(ctx context.Context, orderID int64) ([]OrderItem, error)
	GetOrderItem(ctx context.Context, id int64) (OrderItem, error)
	GetConfiguredModalities(ctx context.Context, orderItemID int64) ([]int64, error)
}

// RepositoryPort describes invoice persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListAllocationDetails(ctx context.Context, invoiceID int64) ([]AllocationDetail, error)
	ListReportRows(ctx context.Context, invoiceID int64) ([]ReportRow, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockOrder(ctx context.Context, orderID int64) error
	CountActiveInvoices(ctx context.Context, orderID int64) (int, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	InsertAllocationDetail(ctx context.Context, detail AllocationDetail) error
	UpdateInvoiceStatus(ctx context.Context, id int64, from, to InvoiceStatus, reason string) error
	DeleteInvoice(ctx context.Context, id int64) error
}

// Service validates, splits and invoices orders.
type Service struct {
	repo      RepositoryPort
	orders    OrderItemStore
	validator *Validator
	logger    *slog.Logger
	locker    OrderLocker
	cache     ReportCache
	metrics   *Metrics
	reports   singleflight.Group

	integration IntegrationHandler
}

// NewService constructs the billing service.
func NewService(repo RepositoryPort, orders OrderItemStore, modalities ModalityRegistry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		orders:    orders,
		validator: NewValidator(modalities),
		logger:    logger,
	}
}

// SetLocker enables the cross-process per-order lock.
func (s *Service) SetLocker(locker OrderLocker) { s.locker = locker }

// SetReportCache enables report caching.
func (s *Service) SetReportCache(cache ReportCache) { s.cache = cache }

// SetMetrics attaches Prometheus collectors.
func (s *Service) SetMetrics(metrics *Metrics) { s.metrics = metrics }

// SetIntegrationHandler injects the post-commit event hooks.
func (s *Service) SetIntegrationHandler(handler IntegrationHandler) { s.integration = handler }

// PreviewSplit computes the split of one order item without persisting anything.
func (s *Service) PreviewSplit(ctx context.Context, orderItemID int64) ([]AllocationSplit, error) {
	if orderItemID <= 0 {
		return nil, ErrInvalidInput
	}
	item, err := s.orders.GetOrderItem(ctx, orderItemID)
	if err != nil {
		return nil, err
	}
	alloc, err := s.allocateItem(ctx, item)
	if err != nil {
		s.metrics.observeFailure("preview", err)
		return nil, err
	}
	return alloc.Splits, nil
}

// CreateInvoice splits every item of the order and persists the invoice header with one
// allocation detail per (item, modality) in a single transaction. Nothing is written unless
// every item validates and reconciles.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (InvoiceResult, error) {
	result, err := s.createInvoice(ctx, input)
	if err != nil {
		s.metrics.observeFailure("create_invoice", err)
		return InvoiceResult{}, err
	}
	s.metrics.observeInvoice(result.Invoice)
	s.metrics.observeCorrections(result.Allocations)
	s.publishIssued(ctx, result)
	return result, nil
}

// publishIssued notifies the integration handler. The invoice is already committed, so a
// failing hook is logged and never reverts it.
func (s *Service) publishIssued(ctx context.Context, result InvoiceResult) {
	if s.integration == nil {
		return
	}
	evt := InvoiceIssuedEvent{
		InvoiceID:  result.Invoice.ID,
		OrderID:    result.Invoice.OrderID,
		SupplierID: result.Invoice.SupplierID,
		TotalValue: result.Invoice.TotalValue,
		Items:      len(result.Allocations),
		IssuedAt:   result.Invoice.CreatedAt,
	}
	if err := s.integration.HandleInvoiceIssued(ctx, evt); err != nil {
		s.logger.Warn("invoice issued hook", slog.Int64("invoice_id", evt.InvoiceID), slog.Any("error", err))
	}
}

func (s *Service) createInvoice(ctx context.Context, input CreateInvoiceInput) (InvoiceResult, error) {
	if input.OrderID <= 0 || input.SupplierID <= 0 {
		return InvoiceResult{}, fmt.Errorf("%w: order and supplier are required", ErrInvalidInput)
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, input.OrderID)
		if err != nil {
			return InvoiceResult{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release order lock", slog.Int64("order_id", input.OrderID), slog.Any("error", err))
			}
		}()
	}

	order, err := s.orders.GetOrder(ctx, input.OrderID)
	if err != nil {
		return InvoiceResult{}, err
	}
	if order.SupplierID != input.SupplierID {
		return InvoiceResult{}, ErrSupplierMismatch
	}

	allocations, total, err := s.allocateOrder(ctx, order)
	if err != nil {
		return InvoiceResult{}, err
	}

	contractID := input.ContractID
	if contractID == nil {
		contractID = order.ContractID
	}
	header := Invoice{
		OrderID:      order.ID,
		SupplierID:   order.SupplierID,
		ContractID:   contractID,
		TotalValue:   total,
		Status:       InvoiceStatusIssued,
		Observations: strings.TrimSpace(input.Observations),
	}

	var created Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockOrder(ctx, order.ID); err != nil {
			return err
		}
		active, err := tx.CountActiveInvoices(ctx, order.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrOrderAlreadyInvoiced
		}

		inv, err := tx.InsertInvoice(ctx, header)
		if err != nil {
			return err
		}
		for _, alloc := range allocations {
			for _, split := range alloc.Splits {
				if err := tx.InsertAllocationDetail(ctx, detailFromSplit(inv.ID, alloc, split)); err != nil {
					return err
				}
			}
		}
		created = inv
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			err = &PersistenceError{Op: "create invoice", Err: err}
		}
		s.logger.Error("create invoice rolled back",
			slog.Int64("order_id", order.ID),
			slog.Int64("supplier_id", order.SupplierID),
			slog.String("class", string(Classify(err))),
			slog.Any("error", err),
		)
		return InvoiceResult{}, err
	}

	s.logger.Info("invoice created",
		slog.Int64("invoice_id", created.ID),
		slog.Int64("order_id", created.OrderID),
		slog.String("total_value", created.TotalValue.StringFixed(valueScale)),
		slog.Int("items", len(allocations)),
	)
	return InvoiceResult{Invoice: created, Allocations: allocations}, nil
}

// allocateOrder splits every item of order in ascending item id order.
func (s *Service) allocateOrder(ctx context.Context, order Order) ([]ItemAllocation, decimal.Decimal, error) {
	items, err := s.orders.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if len(items) == 0 {
		return nil, decimal.Zero, ErrNoEligibleItems
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	allocations := make([]ItemAllocation, 0, len(items))
	total := decimal.Zero
	for _, item := range items {
		alloc, err := s.allocateItem(ctx, item)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("order %d: %w", order.ID, err)
		}
		for _, split := range alloc.Splits {
			total = total.Add(split.Value)
		}
		allocations = append(allocations, alloc)
	}
	return allocations, total, nil
}

// allocateItem runs validation then calculation for one item.
func (s *Service) allocateItem(ctx context.Context, item OrderItem) (ItemAllocation, error) {
	configured, err := s.orders.GetConfiguredModalities(ctx, item.ID)
	if err != nil {
		return ItemAllocation{}, err
	}
	modalities, err := s.validator.Validate(ctx, item.ID, configured)
	if err != nil {
		if Classify(err) == ClassConfiguration {
			s.logger.Warn("order item modality configuration rejected",
				slog.Int64("order_item_id", item.ID),
				slog.String("modality_ids", joinIDs(configured)),
				slog.Any("error", err),
			)
		}
		return ItemAllocation{}, err
	}
	alloc, err := SplitItem(item, modalities)
	if err != nil {
		s.logger.Error("allocation failed",
			slog.Int64("order_item_id", item.ID),
			slog.Int64("product_id", item.ProductID),
			slog.String("quantity", item.Quantity.String()),
			slog.String("unit_price", item.UnitPrice.String()),
			slog.String("modalities", describeModalities(modalities)),
			slog.Any("error", err),
		)
		return ItemAllocation{}, err
	}
	return alloc, nil
}

// GetReport returns the per-modality summary of an invoice.
func (s *Service) GetReport(ctx context.Context, invoiceID int64) (Report, error) {
	if invoiceID <= 0 {
		return Report{}, ErrInvalidInput
	}
	load := func(ctx context.Context) (Report, error) {
		rows, err := s.repo.ListReportRows(ctx, invoiceID)
		if err != nil {
			return Report{}, err
		}
		return BuildReport(invoiceID, rows)
	}
	// The shared load outlives any single caller; each caller still honours its own ctx.
	ch := s.reports.DoChan(strconv.FormatInt(invoiceID, 10), func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		if s.cache != nil {
			return s.cache.Fetch(loadCtx, invoiceID, load)
		}
		return load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	}
}

// GetInvoice returns an invoice with its allocation details.
func (s *Service) GetInvoice(ctx context.Context, id int64) (InvoiceWithDetails, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return InvoiceWithDetails{}, err
	}
	details, err := s.repo.ListAllocationDetails(ctx, id)
	if err != nil {
		return InvoiceWithDetails{}, err
	}
	return InvoiceWithDetails{Invoice: inv, Details: details}, nil
}

// ListInvoices returns invoices matching req, newest first.
func (s *Service) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	return s.repo.ListInvoices(ctx, req)
}

// CancelInvoice moves an issued invoice to CANCELLED, which frees its order for a corrective
// invoice. Allocation details are kept as issued.
func (s *Service) CancelInvoice(ctx context.Context, input CancelInvoiceInput) error {
	reason := strings.TrimSpace(input.Reason)
	if input.InvoiceID <= 0 || reason == "" {
		return fmt.Errorf("%w: invoice and reason are required", ErrInvalidInput)
	}
	inv, err := s.repo.GetInvoice(ctx, input.InvoiceID)
	if err != nil {
		return err
	}
	if inv.Status != InvoiceStatusIssued {
		return ErrInvalidStatus
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateInvoiceStatus(ctx, inv.ID, InvoiceStatusIssued, InvoiceStatusCancelled, reason)
	}); err != nil {
		if !isDomainError(err) {
			err = &PersistenceError{Op: "cancel invoice", Err: err}
		}
		return err
	}
	s.invalidateReport(ctx, inv.ID)
	s.logger.Info("invoice cancelled", slog.Int64("invoice_id", inv.ID), slog.String("reason", reason))
	return nil
}

// DeleteInvoice removes an invoice and, by cascade, its allocation details.
func (s *Service) DeleteInvoice(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteInvoice(ctx, id)
	}); err != nil {
		if !isDomainError(err) {
			err = &PersistenceError{Op: "delete invoice", Err: err}
		}
		return err
	}
	s.invalidateReport(ctx, id)
	s.logger.Info("invoice deleted", slog.Int64("invoice_id", id))
	return nil
}

// VerifyInvoice re-checks a persisted invoice: the header total must equal the sum of its
// detail values, and every order item must be fully allocated in quantity and percentage.
func (s *Service) VerifyInvoice(ctx context.Context, id int64) (Reconciliation, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	details, err := s.repo.ListAllocationDetails(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}

	rec := Reconciliation{InvoiceID: inv.ID, HeaderTotal: inv.TotalValue, DetailTotal: decimal.Zero}
	if len(details) == 0 {
		rec.Mismatches = append(rec.Mismatches, "invoice has no allocation details")
	}

	type itemSums struct {
		original, quantity, percentage decimal.Decimal
	}
	perItem := make(map[int64]*itemSums)
	var itemIDs []int64
	for _, d := range details {
		rec.DetailTotal = rec.DetailTotal.Add(d.ValueModality)
		sums, ok := perItem[d.OrderItemID]
		if !ok {
			sums = &itemSums{original: d.QuantityOriginal, quantity: decimal.Zero, percentage: decimal.Zero}
			perItem[d.OrderItemID] = sums
			itemIDs = append(itemIDs, d.OrderItemID)
		}
		sums.quantity = sums.quantity.Add(d.QuantityModality)
		sums.percentage = sums.percentage.Add(d.PercentageModality)
	}
	if !rec.DetailTotal.Equal(inv.TotalValue) {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("header total %s differs from detail total %s",
			inv.TotalValue.StringFixed(valueScale), rec.DetailTotal.StringFixed(valueScale)))
	}
	sort.Slice(itemIDs, func(i, j int) bool { return itemIDs[i] < itemIDs[j] })
	for _, itemID := range itemIDs {
		sums := perItem[itemID]
		if !sums.quantity.Equal(sums.original) {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("order item %d allocated quantity %s of %s",
				itemID, sums.quantity.StringFixed(quantityScale), sums.original.StringFixed(quantityScale)))
		}
		if !sums.percentage.Equal(hundred) {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("order item %d percentages sum to %s",
				itemID, sums.percentage.StringFixed(percentageScale)))
		}
	}

	s.metrics.observeReconciliation(rec.OK())
	if !rec.OK() {
		s.logger.Error("invoice reconciliation mismatch",
			slog.Int64("invoice_id", inv.ID),
			slog.Any("mismatches", rec.Mismatches),
		)
	}
	return rec, nil
}

func (s *Service) invalidateReport(ctx context.Context, invoiceID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, invoiceID); err != nil {
		s.logger.Warn("invalidate report cache", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
	}
}

func detailFromSplit(invoiceID int64, alloc ItemAllocation, split AllocationSplit) AllocationDetail {
	return AllocationDetail{
		InvoiceID:            invoiceID,
		OrderItemID:          alloc.OrderItemID,
		ProductID:            alloc.ProductID,
		ModalityID:           split.ModalityID,
		QuantityOriginal:     alloc.Quantity,
		QuantityModality:     split.Quantity,
		PercentageModality:   split.Percentage,
		UnitPrice:            alloc.UnitPrice,
		ValueModality:        split.Value,
		ValueRepasseModality: split.RepasseWeight,
		Observations:         fmt.Sprintf("%s: %s%% of item %d", split.ModalityName, split.Percentage.StringFixed(percentageScale), alloc.OrderItemID),
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func describeModalities(modalities []Modality) string {
	parts := make([]string, len(modalities))
	for i, m := range modalities {
		parts[i] = fmt.Sprintf("%d:%s", m.ID, m.RepasseWeight.String())
	}
	return strings.Join(parts, ",")
}
