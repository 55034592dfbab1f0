package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/merenda-erp/merenda-erp/internal/billing"
)

// InvoiceVerifier re-checks persisted invoices.
type InvoiceVerifier interface {
	VerifyInvoice(ctx context.Context, id int64) (billing.Reconciliation, error)
}

// VerifyOptions defines available flags for the verify command.
type VerifyOptions struct {
	InvoiceID  int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary describes the JSON response for verify.
type VerifySummary struct {
	OK          bool     `json:"ok"`
	InvoiceID   int64    `json:"invoice_id"`
	HeaderTotal string   `json:"header_total"`
	DetailTotal string   `json:"detail_total"`
	Mismatches  []string `json:"mismatches"`
}

// VerifyCommand reconciles one invoice and prints the outcome. It exits 10 on mismatch.
func VerifyCommand(ctx context.Context, verifier InvoiceVerifier, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.InvoiceID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "verify: --invoice is required and must be positive")
		return 1
	}
	rec, err := verifier.VerifyInvoice(ctx, opts.InvoiceID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		summary := VerifySummary{
			OK:          rec.OK(),
			InvoiceID:   rec.InvoiceID,
			HeaderTotal: rec.HeaderTotal.StringFixed(2),
			DetailTotal: rec.DetailTotal.StringFixed(2),
			Mismatches:  append([]string{}, rec.Mismatches...),
		}
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, rec)
	}
	if !rec.OK() {
		return 10
	}
	return 0
}

func renderVerifyHuman(w io.Writer, rec billing.Reconciliation) {
	_, _ = fmt.Fprintf(w, "Invoice %d: header %s, details %s\n", rec.InvoiceID, rec.HeaderTotal.StringFixed(2), rec.DetailTotal.StringFixed(2))
	if rec.OK() {
		_, _ = fmt.Fprintln(w, "OK")
		return
	}
	for _, m := range rec.Mismatches {
		_, _ = fmt.Fprintf(w, "  - %s\n", m)
	}
}
