package billing

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CSVExporter renders reports as semicolon separated CSV with locale aware numbers.
type CSVExporter struct {
	printer *message.Printer
	decimal string
}

// NewCSVExporter builds an exporter for tag. The zero tag means Brazilian Portuguese.
func NewCSVExporter(tag language.Tag) *CSVExporter {
	if tag == language.Und {
		tag = language.BrazilianPortuguese
	}
	p := message.NewPrinter(tag)
	sep := "."
	if probe := []rune(p.Sprintf("%.1f", 1.5)); len(probe) == 3 {
		sep = string(probe[1])
	}
	return &CSVExporter{printer: p, decimal: sep}
}

// Write renders report to w.
func (e *CSVExporter) Write(w io.Writer, report Report) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write([]string{"Modalidade", "Produto", "Quantidade", "Valor"}); err != nil {
		return err
	}
	for _, m := range report.Modalities {
		for _, p := range m.Products {
			if err := cw.Write([]string{m.Name, p.ProductName, e.format(p.Quantity, quantityScale), e.format(p.Value, valueScale)}); err != nil {
				return err
			}
		}
		if err := cw.Write([]string{m.Name, "Subtotal", e.format(m.QuantityTotal, quantityScale), e.format(m.ValueTotal, valueScale)}); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"Total", strings.Join(report.ModalitiesUsed, ", "), e.format(report.QuantityTotal, quantityScale), e.format(report.ValueTotal, valueScale)}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// format keeps the decimal exact: only the integer part goes through the locale printer.
func (e *CSVExporter) format(d decimal.Decimal, scale int32) string {
	fixed := d.StringFixed(scale)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")
	grouped := e.printer.Sprintf("%d", decimal.RequireFromString(intPart).IntPart())
	if frac == "" {
		return sign + grouped
	}
	return sign + grouped + e.decimal + frac
}

// ExportReportCSV writes the report of invoiceID as CSV.
func (s *Service) ExportReportCSV(ctx context.Context, invoiceID int64, w io.Writer, exporter *CSVExporter) error {
	report, err := s.GetReport(ctx, invoiceID)
	if err != nil {
		return err
	}
	if exporter == nil {
		exporter = NewCSVExporter(language.Und)
	}
	return exporter.Write(w, report)
}
