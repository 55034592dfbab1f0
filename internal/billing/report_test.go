package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildReportGroupsByModality(t *testing.T) {
	rows := []ReportRow{
		{ModalityID: 2, ModalityName: "PNAE", ProductID: 1, ProductName: "Feijão", Quantity: dec("3.600"), Value: dec("25.20")},
		{ModalityID: 1, ModalityName: "Estadual", ProductID: 2, ProductName: "Arroz", Quantity: dec("6.400"), Value: dec("44.80")},
		{ModalityID: 2, ModalityName: "PNAE", ProductID: 2, ProductName: "Arroz", Quantity: dec("1.000"), Value: dec("5.00")},
		{ModalityID: 2, ModalityName: "PNAE", ProductID: 1, ProductName: "Feijão", Quantity: dec("0.400"), Value: dec("2.80")},
	}

	report, err := BuildReport(7, rows)
	require.NoError(t, err)
	require.Equal(t, int64(7), report.InvoiceID)
	require.Equal(t, []string{"Estadual", "PNAE"}, report.ModalitiesUsed)
	require.Len(t, report.Modalities, 2)

	pnae := report.Modalities[1]
	require.Equal(t, "PNAE", pnae.Name)
	requireDecimal(t, "5.000", pnae.QuantityTotal)
	requireDecimal(t, "33.00", pnae.ValueTotal)
	require.Len(t, pnae.Products, 2)
	require.Equal(t, "Arroz", pnae.Products[0].ProductName)
	require.Equal(t, "Feijão", pnae.Products[1].ProductName)
	requireDecimal(t, "4.000", pnae.Products[1].Quantity)
	requireDecimal(t, "28.00", pnae.Products[1].Value)

	requireDecimal(t, "11.400", report.QuantityTotal)
	requireDecimal(t, "77.80", report.ValueTotal)
}

func TestBuildReportWithoutRows(t *testing.T) {
	_, err := BuildReport(1, nil)
	require.ErrorIs(t, err, ErrReportNotFound)
	require.Equal(t, ClassNotFound, Classify(err))
}
