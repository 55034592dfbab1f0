package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BuildReport aggregates persisted allocation rows per modality name. Values are summed as
// stored; no rounding happens here.
func BuildReport(invoiceID int64, rows []ReportRow) (Report, error) {
	if len(rows) == 0 {
		return Report{}, ErrReportNotFound
	}

	type productKey struct {
		id   int64
		name string
	}
	byModality := make(map[string]*ModalitySummary)
	productIndex := make(map[string]map[productKey]int)
	var order []string

	report := Report{InvoiceID: invoiceID, QuantityTotal: decimal.Zero, ValueTotal: decimal.Zero}
	for _, row := range rows {
		summary, ok := byModality[row.ModalityName]
		if !ok {
			summary = &ModalitySummary{Name: row.ModalityName, QuantityTotal: decimal.Zero, ValueTotal: decimal.Zero}
			byModality[row.ModalityName] = summary
			productIndex[row.ModalityName] = make(map[productKey]int)
			order = append(order, row.ModalityName)
		}
		summary.QuantityTotal = summary.QuantityTotal.Add(row.Quantity)
		summary.ValueTotal = summary.ValueTotal.Add(row.Value)

		key := productKey{id: row.ProductID, name: row.ProductName}
		if idx, seen := productIndex[row.ModalityName][key]; seen {
			p := &summary.Products[idx]
			p.Quantity = p.Quantity.Add(row.Quantity)
			p.Value = p.Value.Add(row.Value)
		} else {
			productIndex[row.ModalityName][key] = len(summary.Products)
			summary.Products = append(summary.Products, ProductBreakdown{
				ProductID:   row.ProductID,
				ProductName: row.ProductName,
				Quantity:    row.Quantity,
				Value:       row.Value,
			})
		}

		report.QuantityTotal = report.QuantityTotal.Add(row.Quantity)
		report.ValueTotal = report.ValueTotal.Add(row.Value)
	}

	sort.Strings(order)
	report.Modalities = make([]ModalitySummary, 0, len(order))
	for _, name := range order {
		summary := byModality[name]
		sort.SliceStable(summary.Products, func(i, j int) bool {
			return summary.Products[i].ProductName < summary.Products[j].ProductName
		})
		report.Modalities = append(report.Modalities, *summary)
	}
	report.ModalitiesUsed = order
	return report, nil
}
