// Package ingest reads sales files (CSV, XLSX, or either pulled over FTP)
// and maps their rows onto validated sales records. Rows that fail
// validation are reported back and never reach the engine.
package ingest

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/salesrecon/internal/model"
)

type column int

const (
	colTaxID column = iota
	colCustomer
	colRep
	colFamily
	colSKU
	colVolume
	colSector
	colSubSector
	colTier
	colInvoiceNo
	colInvoiceDate
)

var columnNames = map[column]string{
	colTaxID:       "tax id",
	colCustomer:    "customer name",
	colRep:         "rep name",
	colFamily:      "product family",
	colSKU:         "sku code",
	colVolume:      "volume",
	colSector:      "sector",
	colSubSector:   "sub sector",
	colTier:        "tier",
	colInvoiceNo:   "invoice no",
	colInvoiceDate: "invoice date",
}

// headerAliases maps squashed header text (lower case, letters and digits
// only) to a column. Distributor exports use "Registration No", "DSR Name"
// and "Volume (L)".
var headerAliases = map[string]column{
	"taxid":              colTaxID,
	"gstin":              colTaxID,
	"gstno":              colTaxID,
	"registrationno":     colTaxID,
	"registrationnumber": colTaxID,
	"customername":       colCustomer,
	"customer":           colCustomer,
	"repname":            colRep,
	"dsrname":            colRep,
	"salesrep":           colRep,
	"rep":                colRep,
	"productfamily":      colFamily,
	"productfamilyname":  colFamily,
	"family":             colFamily,
	"skucode":            colSKU,
	"sku":                colSKU,
	"volume":             colVolume,
	"volumel":            colVolume,
	"qty":                colVolume,
	"sector":             colSector,
	"subsector":          colSubSector,
	"tier":               colTier,
	"grade":              colTier,
	"invoiceno":          colInvoiceNo,
	"invoicenumber":      colInvoiceNo,
	"invoicedate":        colInvoiceDate,
	"date":               colInvoiceDate,
}

func squash(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// header maps column -> cell index for the first row.
type header map[column]int

func parseHeader(row []string, required ...column) (header, error) {
	h := make(header)
	for i, cell := range row {
		if c, ok := headerAliases[squash(strings.TrimPrefix(cell, "\ufeff"))]; ok {
			if _, dup := h[c]; !dup {
				h[c] = i
			}
		}
	}
	var missing []string
	for _, c := range required {
		if _, ok := h[c]; !ok {
			missing = append(missing, columnNames[c])
		}
	}
	if len(missing) > 0 {
		return nil, eris.Wrapf(model.ErrValidation, "ingest: missing column(s): %s", strings.Join(missing, ", "))
	}
	return h, nil
}

func (h header) get(row []string, c column) string {
	i, ok := h[c]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// RowError describes a rejected input row. Row is the 1-based line number
// including the header.
type RowError struct {
	Row int    `json:"row" yaml:"row"`
	Err string `json:"error" yaml:"error"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Err)
}

// Sales is the outcome of parsing a sales file.
type Sales struct {
	Records  []model.SalesRecord `json:"records" yaml:"records"`
	Rejected []RowError          `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

// ParseSales maps rows (header first) onto sales records. Blank rows are
// skipped; rows that fail validation are collected in Rejected. An error is
// returned only when the header lacks a required column.
func ParseSales(rows [][]string) (*Sales, error) {
	out := &Sales{}
	if len(rows) == 0 {
		return out, nil
	}
	h, err := parseHeader(rows[0], colTaxID, colCustomer, colRep, colFamily, colVolume)
	if err != nil {
		return nil, err
	}

	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		line := i + 2
		rec, err := h.sale(row)
		if err == nil {
			err = Check(rec)
		}
		if err != nil {
			out.Rejected = append(out.Rejected, RowError{Row: line, Err: err.Error()})
			continue
		}
		rec.TaxID = model.NormalizeTaxID(rec.TaxID)
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func (h header) sale(row []string) (model.SalesRecord, error) {
	rec := model.SalesRecord{
		TaxID:        h.get(row, colTaxID),
		CustomerName: h.get(row, colCustomer),
		RepName:      h.get(row, colRep),
		Family:       h.get(row, colFamily),
		SKU:          h.get(row, colSKU),
		Sector:       h.get(row, colSector),
		SubSector:    h.get(row, colSubSector),
		InvoiceNo:    h.get(row, colInvoiceNo),
	}
	var err error
	if rec.Volume, err = ParseVolume(h.get(row, colVolume)); err != nil {
		return rec, err
	}
	if raw := h.get(row, colTier); raw != "" {
		if rec.Tier = model.ParseTier(raw); rec.Tier == "" {
			return rec, eris.Wrapf(model.ErrValidation, "unknown tier %q", raw)
		}
	}
	if rec.InvoiceDate, err = ParseDate(h.get(row, colInvoiceDate)); err != nil {
		return rec, err
	}
	return rec, nil
}

// History is the outcome of parsing a sales history file.
type History struct {
	Lines    []model.SaleLine `json:"lines" yaml:"lines"`
	Rejected []RowError       `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

// ParseHistory maps rows (header first) onto sales history lines for bulk
// import. Tax id, family, volume and invoice date are required per row.
func ParseHistory(rows [][]string, batchID string) (*History, error) {
	out := &History{}
	if len(rows) == 0 {
		return out, nil
	}
	h, err := parseHeader(rows[0], colTaxID, colFamily, colVolume, colInvoiceDate)
	if err != nil {
		return nil, err
	}

	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		line, err := h.history(row, batchID, i+2)
		if err != nil {
			out.Rejected = append(out.Rejected, RowError{Row: i + 2, Err: err.Error()})
			continue
		}
		out.Lines = append(out.Lines, line)
	}
	return out, nil
}

func (h header) history(row []string, batchID string, rowNo int) (model.SaleLine, error) {
	line := model.SaleLine{
		TaxID:     model.NormalizeTaxID(h.get(row, colTaxID)),
		Family:    h.get(row, colFamily),
		SKU:       h.get(row, colSKU),
		Tier:      model.ParseTier(h.get(row, colTier)),
		InvoiceNo: h.get(row, colInvoiceNo),
		BatchID:   batchID,
	}
	if !model.ValidTaxID(line.TaxID) {
		return line, eris.Wrapf(model.ErrInvalidTaxID, "%q", line.TaxID)
	}
	if line.Family == "" {
		return line, eris.Wrap(model.ErrValidation, "product family is required")
	}
	var err error
	if line.Volume, err = ParseVolume(h.get(row, colVolume)); err != nil {
		return line, err
	}
	if line.InvoiceDate, err = ParseDate(h.get(row, colInvoiceDate)); err != nil {
		return line, err
	}
	if line.InvoiceDate.IsZero() {
		return line, eris.Wrap(model.ErrValidation, "invoice date is required")
	}
	if line.InvoiceNo == "" {
		line.InvoiceNo = fmt.Sprintf("%s/%d", batchID, rowNo)
	}
	return line, nil
}

// ParseVolume parses a quantity, allowing thousands separators.
func ParseVolume(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, eris.Wrap(model.ErrValidation, "volume is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(model.ErrValidation, "volume %q is not a number", s)
	}
	return d, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
	"02-Jan-2006",
	time.RFC3339,
}

// ParseDate parses an invoice date in the layouts seen in distributor
// exports. Day-first layouts win over month-first. An empty string yields
// the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Wrapf(model.ErrValidation, "invoice date %q not recognised", s)
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
