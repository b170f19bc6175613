package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/model"
)

var distributorHeader = []string{
	"Invoice Date.", "DSR Name", "Customer Name", "Sector", "Sub Sector",
	"SKU Code", "Volume (L)", "Invoice No.", "Registration No", "Product Family",
}

func TestParseSales_DistributorExport(t *testing.T) {
	rows := [][]string{
		distributorHeader,
		{"20250114", "Asha", "Acme Tyres", "Fleet", "Urban", "A-1L", "1,250.5", "INV-1", " 27abcde1234f1z5 ", "Engine Oil"},
		{"", "", "", "", "", "", "", "", "", ""},
		{"2025-01-15", "Ravi", "Beta Motors", "Retail", "", "B-5L", "40", "INV-2", "29ABCDE1234F1Z5", "Grease"},
	}

	got, err := ParseSales(rows)
	require.NoError(t, err)
	require.Empty(t, got.Rejected)
	require.Len(t, got.Records, 2)

	first := got.Records[0]
	assert.Equal(t, "27ABCDE1234F1Z5", first.TaxID)
	assert.Equal(t, "Asha", first.RepName)
	assert.Equal(t, "Engine Oil", first.Family)
	assert.True(t, decimal.RequireFromString("1250.5").Equal(first.Volume))
	assert.Equal(t, time.Date(2025, time.January, 14, 0, 0, 0, 0, time.UTC), first.InvoiceDate)
	assert.Equal(t, "Urban", first.SubSector)

	assert.Equal(t, "INV-2", got.Records[1].InvoiceNo)
}

func TestParseSales_RejectsBadRows(t *testing.T) {
	rows := [][]string{
		{"Tax ID", "Customer", "Rep", "Family", "Volume", "Tier"},
		{"NOPE", "Acme", "Asha", "A", "10", ""},
		{"27ABCDE1234F1Z5", "Acme", "Asha", "A", "-5", ""},
		{"27ABCDE1234F1Z5", "", "Asha", "A", "5", ""},
		{"27ABCDE1234F1Z5", "Acme", "Asha", "A", "ten", ""},
		{"27ABCDE1234F1Z5", "Acme", "Asha", "A", "5", "gold"},
		{"27ABCDE1234F1Z5", "Acme", "Asha", "A", "0", "Premium"},
	}

	got, err := ParseSales(rows)
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, model.TierPremium, got.Records[0].Tier)
	assert.True(t, got.Records[0].Volume.IsZero())

	require.Len(t, got.Rejected, 5)
	assert.Equal(t, 2, got.Rejected[0].Row)
	assert.Contains(t, got.Rejected[0].Err, "tax_id is not a valid tax id")
	assert.Contains(t, got.Rejected[1].Err, "volume must not be negative")
	assert.Contains(t, got.Rejected[2].Err, "customer_name is required")
	assert.Contains(t, got.Rejected[3].Err, "not a number")
	assert.Contains(t, got.Rejected[4].Err, "unknown tier")
}

func TestParseSales_MissingColumns(t *testing.T) {
	_, err := ParseSales([][]string{{"Tax ID", "Volume"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Contains(t, err.Error(), "customer name")
	assert.Contains(t, err.Error(), "product family")
}

func TestParseSales_Empty(t *testing.T) {
	got, err := ParseSales(nil)
	require.NoError(t, err)
	assert.Empty(t, got.Records)
}

func TestParseHistory(t *testing.T) {
	rows := [][]string{
		{"GSTIN", "Product Family", "SKU", "Tier", "Qty", "Date"},
		{"27ABCDE1234F1Z5", "A", "A-1L", "base", "40", "01/06/2024"},
		{"27ABCDE1234F1Z5", "A", "A-1L", "", "10", ""},
		{"bad", "A", "A-1L", "", "10", "2024-06-01"},
	}

	got, err := ParseHistory(rows, "HIST_1")
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	line := got.Lines[0]
	assert.Equal(t, model.TierBase, line.Tier)
	assert.Equal(t, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), line.InvoiceDate)
	assert.Equal(t, "HIST_1/2", line.InvoiceNo)
	assert.Equal(t, "HIST_1", line.BatchID)

	require.Len(t, got.Rejected, 2)
	assert.Contains(t, got.Rejected[0].Err, "invoice date is required")
	assert.Equal(t, 4, got.Rejected[1].Row)
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, time.March, 4, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-03-04", "20250304", "04-03-2025", "04/03/2025", "2025/03/04", "04-Mar-2025"} {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ParseDate("  ")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseDate("March 4th")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCheck_ReturnRecord(t *testing.T) {
	err := Check(model.ReturnRecord{TaxID: "27ABCDE1234F1Z5", Family: "A", Volume: decimal.Zero})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Contains(t, err.Error(), "volume must be greater than zero")

	assert.NoError(t, Check(model.ReturnRecord{TaxID: "27ABCDE1234F1Z5", Family: "A", Volume: decimal.NewFromInt(3)}))
}
