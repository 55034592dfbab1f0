// Package billinghttp exposes the billing allocation engine over JSON.
package billinghttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/merenda-erp/merenda-erp/internal/billing"
	"github.com/merenda-erp/merenda-erp/internal/platform/httpx"
)

type billingService interface {
	PreviewSplit(ctx context.Context, orderItemID int64) ([]billing.AllocationSplit, error)
	CreateInvoice(ctx context.Context, input billing.CreateInvoiceInput) (billing.InvoiceResult, error)
	GetInvoice(ctx context.Context, id int64) (billing.InvoiceWithDetails, error)
	ListInvoices(ctx context.Context, req billing.ListInvoicesRequest) ([]billing.Invoice, error)
	GetReport(ctx context.Context, invoiceID int64) (billing.Report, error)
	ExportReportCSV(ctx context.Context, invoiceID int64, w io.Writer, exporter *billing.CSVExporter) error
	CancelInvoice(ctx context.Context, input billing.CancelInvoiceInput) error
	DeleteInvoice(ctx context.Context, id int64) error
}

// Handler wires HTTP endpoints for invoicing orders by modality.
type Handler struct {
	logger    *slog.Logger
	service   billingService
	validator *validator.Validate
	exporter  *billing.CSVExporter
}

// NewHandler constructs a billing HTTP handler.
func NewHandler(logger *slog.Logger, service billingService, exporter *billing.CSVExporter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		exporter:  exporter,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/order-items/{id}/preview", h.previewSplit)
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.listInvoices)
			r.Post("/", h.createInvoice)
			r.Get("/{id}", h.showInvoice)
			r.Delete("/{id}", h.deleteInvoice)
			r.Get("/{id}/report", h.showReport)
			r.Get("/{id}/report.csv", h.exportReport)
			r.Post("/{id}/cancel", h.cancelInvoice)
		})
	})
}

func (h *Handler) previewSplit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	splits, err := h.service.PreviewSplit(r.Context(), id)
	if err != nil {
		h.fail(w, "preview split", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"order_item_id": id,
		"splits":        toSplits(splits),
	})
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	res, err := h.service.CreateInvoice(r.Context(), billing.CreateInvoiceInput{
		OrderID:      req.OrderID,
		SupplierID:   req.SupplierID,
		ContractID:   req.ContractID,
		Observations: strings.TrimSpace(req.Observations),
	})
	if err != nil {
		h.fail(w, "create invoice", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/billing/invoices/%d", res.Invoice.ID))
	httpx.JSON(w, http.StatusCreated, toCreateInvoice(res))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := billing.ListInvoicesRequest{}
	var err error
	if req.OrderID, err = optionalInt64(q.Get("order_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.SupplierID, err = optionalInt64(q.Get("supplier_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := optionalInt64(q.Get("limit"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	offset, err := optionalInt64(q.Get("offset"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Limit, req.Offset = int(limit), int(offset)

	invoices, err := h.service.ListInvoices(r.Context(), req)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoice(inv))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *Handler) showInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceDetail(inv))
}

func (h *Handler) showReport(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.GetReport(r.Context(), id)
	if err != nil {
		h.fail(w, "get report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReport(report))
}

func (h *Handler) exportReport(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := h.service.ExportReportCSV(r.Context(), id, &buf, h.exporter); err != nil {
		h.fail(w, "export report", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"fatura-%d.csv\"", id))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req cancelInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.service.CancelInvoice(r.Context(), billing.CancelInvoiceInput{InvoiceID: id, Reason: req.Reason}); err != nil {
		h.fail(w, "cancel invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), id); err != nil {
		h.fail(w, "delete invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps billing error classes onto httpx sentinels.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	class := billing.Classify(err)
	switch class {
	case billing.ClassNotFound:
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case billing.ClassConflict:
		if errors.Is(err, billing.ErrOrderLocked) {
			err = fmt.Errorf("%w: %v", httpx.ErrUnavailable, err)
		} else {
			err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
		}
	case billing.ClassInput:
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case billing.ClassConfiguration, billing.ClassComputation:
		err = fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err)
	default:
		h.logger.Error(op, slog.String("class", string(class)), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}

func optionalInt64(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid number %q", httpx.ErrValidation, raw)
	}
	return v, nil
}
