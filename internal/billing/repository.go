package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merenda-erp/merenda-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for invoices and read access to the
// order, order item and modality tables owned by other modules.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("billing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetModality returns a modality regardless of its active flag.
func (r *Repository) GetModality(ctx context.Context, id int64) (Modality, error) {
	var m Modality
	err := r.pool.QueryRow(ctx, `SELECT id, name, repasse_weight, active FROM modalities WHERE id=$1`, id).
		Scan(&m.ID, &m.Name, &m.RepasseWeight, &m.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Modality{}, ErrModalityNotFound
		}
		return Modality{}, err
	}
	return m, nil
}

// GetOrder returns the order header.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	var o Order
	err := r.pool.QueryRow(ctx, `SELECT id, supplier_id, contract_id, status FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.SupplierID, &o.ContractID, &o.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	return o, nil
}

// ListOrderItems returns the items of an order ordered by id.
func (r *Repository) ListOrderItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// GetOrderItem returns a single order item.
func (r *Repository) GetOrderItem(ctx context.Context, id int64) (OrderItem, error) {
	var item OrderItem
	err := r.pool.QueryRow(ctx, `SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE id=$1`, id).
		Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderItem{}, ErrOrderItemNotFound
		}
		return OrderItem{}, err
	}
	return item, nil
}

// GetConfiguredModalities returns the modality ids configured for an order item. Duplicates
// are returned as stored so validation can reject them.
func (r *Repository) GetConfiguredModalities(ctx context.Context, orderItemID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT modality_id FROM order_item_modalities WHERE order_item_id=$1 ORDER BY modality_id`, orderItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

const invoiceColumns = `id, order_id, supplier_id, contract_id, total_value, status, observations, COALESCE(cancel_reason, ''), created_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.OrderID, &inv.SupplierID, &inv.ContractID, &inv.TotalValue, &inv.Status, &inv.Observations, &inv.CancelReason, &inv.CreatedAt)
	return inv, err
}

// GetInvoice returns an invoice header.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, err
	}
	return inv, nil
}

// ListInvoices filters invoices by order and supplier, newest first.
func (r *Repository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE ($1::bigint = 0 OR order_id = $1) AND ($2::bigint = 0 OR supplier_id = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`, req.OrderID, req.SupplierID, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	invoices := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

// ListAllocationDetails returns the allocation rows of an invoice.
func (r *Repository) ListAllocationDetails(ctx context.Context, invoiceID int64) ([]AllocationDetail, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, order_item_id, product_id, modality_id, quantity_original, quantity_modality,
percentage_modality, unit_price, value_modality, value_repasse_modality, observations
FROM invoice_allocation_details WHERE invoice_id=$1 ORDER BY order_item_id, modality_id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var details []AllocationDetail
	for rows.Next() {
		var d AllocationDetail
		if err := rows.Scan(&d.ID, &d.InvoiceID, &d.OrderItemID, &d.ProductID, &d.ModalityID, &d.QuantityOriginal, &d.QuantityModality,
			&d.PercentageModality, &d.UnitPrice, &d.ValueModality, &d.ValueRepasseModality, &d.Observations); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}

// ListReportRows joins allocation rows with product and modality names.
func (r *Repository) ListReportRows(ctx context.Context, invoiceID int64) ([]ReportRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT d.modality_id, m.name, d.product_id, COALESCE(p.name, ''), d.quantity_modality, d.value_modality
FROM invoice_allocation_details d
JOIN modalities m ON m.id = d.modality_id
LEFT JOIN products p ON p.id = d.product_id
WHERE d.invoice_id=$1
ORDER BY m.name, p.name, d.id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRow
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(&row.ModalityID, &row.ModalityName, &row.ProductID, &row.ProductName, &row.Quantity, &row.Value); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *txRepo) LockOrder(ctx context.Context, orderID int64) error {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}
	return nil
}

func (r *txRepo) CountActiveInvoices(ctx context.Context, orderID int64) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE order_id=$1 AND status <> $2`, orderID, string(InvoiceStatusCancelled)).Scan(&count)
	return count, err
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (order_id, supplier_id, contract_id, total_value, status, observations, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id, created_at`,
		inv.OrderID, inv.SupplierID, inv.ContractID, inv.TotalValue, string(inv.Status), inv.Observations).
		Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Invoice{}, ErrOrderAlreadyInvoiced
		}
		return Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	return inv, nil
}

func (r *txRepo) InsertAllocationDetail(ctx context.Context, d AllocationDetail) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO invoice_allocation_details (invoice_id, order_item_id, product_id, modality_id, quantity_original,
quantity_modality, percentage_modality, unit_price, value_modality, value_repasse_modality, observations)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.InvoiceID, d.OrderItemID, d.ProductID, d.ModalityID, d.QuantityOriginal,
		d.QuantityModality, d.PercentageModality, d.UnitPrice, d.ValueModality, d.ValueRepasseModality, d.Observations)
	if err != nil {
		return fmt.Errorf("insert allocation detail item=%d modality=%d: %w", d.OrderItemID, d.ModalityID, err)
	}
	return nil
}

func (r *txRepo) UpdateInvoiceStatus(ctx context.Context, id int64, from, to InvoiceStatus, reason string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET status=$3, cancel_reason=NULLIF($4, '') WHERE id=$1 AND status=$2`, id, string(from), string(to), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

func (r *txRepo) DeleteInvoice(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM invoices WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}
