package billinghttp

import (
	"time"

	"github.com/merenda-erp/merenda-erp/internal/billing"
)

type createInvoiceRequest struct {
	OrderID      int64  `json:"order_id" validate:"required,gt=0"`
	SupplierID   int64  `json:"supplier_id" validate:"required,gt=0"`
	ContractID   *int64 `json:"contract_id" validate:"omitempty,gt=0"`
	Observations string `json:"observations" validate:"max=1000"`
}

type cancelInvoiceRequest struct {
	Reason string `json:"reason" validate:"required,min=5,max=500"`
}

type splitResponse struct {
	ModalityID    int64  `json:"modality_id"`
	ModalityName  string `json:"modality_name"`
	RepasseWeight string `json:"repasse_weight"`
	Percentage    string `json:"proportional_percentage"`
	Quantity      string `json:"proportional_quantity"`
	Value         string `json:"proportional_value"`
}

type itemAllocationResponse struct {
	OrderItemID int64           `json:"order_item_id"`
	ProductID   int64           `json:"product_id"`
	Quantity    string          `json:"quantity"`
	UnitPrice   string          `json:"unit_price"`
	TotalValue  string          `json:"total_value"`
	Splits      []splitResponse `json:"splits"`
}

type invoiceResponse struct {
	ID           int64     `json:"id"`
	OrderID      int64     `json:"order_id"`
	SupplierID   int64     `json:"supplier_id"`
	ContractID   *int64    `json:"contract_id,omitempty"`
	TotalValue   string    `json:"total_value"`
	Status       string    `json:"status"`
	Observations string    `json:"observations,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type createInvoiceResponse struct {
	InvoiceID   int64                    `json:"invoice_id"`
	TotalValue  string                   `json:"total_value"`
	Invoice     invoiceResponse          `json:"invoice"`
	Allocations []itemAllocationResponse `json:"allocations"`
}

type detailResponse struct {
	OrderItemID          int64  `json:"order_item_id"`
	ProductID            int64  `json:"product_id"`
	ModalityID           int64  `json:"modality_id"`
	QuantityOriginal     string `json:"quantity_original"`
	QuantityModality     string `json:"quantity_modality"`
	PercentageModality   string `json:"percentage_modality"`
	UnitPrice            string `json:"unit_price"`
	ValueModality        string `json:"value_modality"`
	ValueRepasseModality string `json:"value_repasse_modality"`
	Observations         string `json:"observations,omitempty"`
}

type invoiceDetailResponse struct {
	invoiceResponse
	Details []detailResponse `json:"details"`
}

type productBreakdownResponse struct {
	ProductName string `json:"product_name"`
	Quantity    string `json:"quantity"`
	Value       string `json:"value"`
}

type modalitySummaryResponse struct {
	Name             string                     `json:"name"`
	QuantityTotal    string                     `json:"quantity_total"`
	ValueTotal       string                     `json:"value_total"`
	ProductBreakdown []productBreakdownResponse `json:"product_breakdown"`
}

type reportResponse struct {
	InvoiceID      int64                     `json:"invoice_id"`
	Modalities     []modalitySummaryResponse `json:"modalities"`
	QuantityTotal  string                    `json:"quantity_total"`
	ValueTotal     string                    `json:"value_total"`
	ModalitiesUsed []string                  `json:"modalities_used"`
}

func toSplits(splits []billing.AllocationSplit) []splitResponse {
	out := make([]splitResponse, 0, len(splits))
	for _, s := range splits {
		out = append(out, splitResponse{
			ModalityID:    s.ModalityID,
			ModalityName:  s.ModalityName,
			RepasseWeight: s.RepasseWeight.String(),
			Percentage:    s.Percentage.StringFixed(2),
			Quantity:      s.Quantity.StringFixed(3),
			Value:         s.Value.StringFixed(2),
		})
	}
	return out
}

func toInvoice(inv billing.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:           inv.ID,
		OrderID:      inv.OrderID,
		SupplierID:   inv.SupplierID,
		ContractID:   inv.ContractID,
		TotalValue:   inv.TotalValue.StringFixed(2),
		Status:       string(inv.Status),
		Observations: inv.Observations,
		CancelReason: inv.CancelReason,
		CreatedAt:    inv.CreatedAt,
	}
}

func toCreateInvoice(res billing.InvoiceResult) createInvoiceResponse {
	allocs := make([]itemAllocationResponse, 0, len(res.Allocations))
	for _, a := range res.Allocations {
		allocs = append(allocs, itemAllocationResponse{
			OrderItemID: a.OrderItemID,
			ProductID:   a.ProductID,
			Quantity:    a.Quantity.StringFixed(3),
			UnitPrice:   a.UnitPrice.StringFixed(2),
			TotalValue:  a.TotalValue.StringFixed(2),
			Splits:      toSplits(a.Splits),
		})
	}
	return createInvoiceResponse{
		InvoiceID:   res.Invoice.ID,
		TotalValue:  res.Invoice.TotalValue.StringFixed(2),
		Invoice:     toInvoice(res.Invoice),
		Allocations: allocs,
	}
}

func toInvoiceDetail(inv billing.InvoiceWithDetails) invoiceDetailResponse {
	details := make([]detailResponse, 0, len(inv.Details))
	for _, d := range inv.Details {
		details = append(details, detailResponse{
			OrderItemID:          d.OrderItemID,
			ProductID:            d.ProductID,
			ModalityID:           d.ModalityID,
			QuantityOriginal:     d.QuantityOriginal.StringFixed(3),
			QuantityModality:     d.QuantityModality.StringFixed(3),
			PercentageModality:   d.PercentageModality.StringFixed(2),
			UnitPrice:            d.UnitPrice.StringFixed(2),
			ValueModality:        d.ValueModality.StringFixed(2),
			ValueRepasseModality: d.ValueRepasseModality.String(),
			Observations:         d.Observations,
		})
	}
	return invoiceDetailResponse{invoiceResponse: toInvoice(inv.Invoice), Details: details}
}

func toReport(r billing.Report) reportResponse {
	mods := make([]modalitySummaryResponse, 0, len(r.Modalities))
	for _, m := range r.Modalities {
		products := make([]productBreakdownResponse, 0, len(m.Products))
		for _, p := range m.Products {
			products = append(products, productBreakdownResponse{
				ProductName: p.ProductName,
				Quantity:    p.Quantity.StringFixed(3),
				Value:       p.Value.StringFixed(2),
			})
		}
		mods = append(mods, modalitySummaryResponse{
			Name:             m.Name,
			QuantityTotal:    m.QuantityTotal.StringFixed(3),
			ValueTotal:       m.ValueTotal.StringFixed(2),
			ProductBreakdown: products,
		})
	}
	return reportResponse{
		InvoiceID:      r.InvoiceID,
		Modalities:     mods,
		QuantityTotal:  r.QuantityTotal.StringFixed(3),
		ValueTotal:     r.ValueTotal.StringFixed(2),
		ModalitiesUsed: r.ModalitiesUsed,
	}
}
