package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"
)

// Options configures file reading.
type Options struct {
	// Encoding is a WHATWG label such as "windows-1252". Empty means UTF-8.
	Encoding  string `yaml:"encoding" mapstructure:"encoding"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	// Sheet selects an XLSX sheet by name; the first sheet is used when empty.
	Sheet string `yaml:"sheet" mapstructure:"sheet"`
}

// decode wraps r with a decoder for the given charset label.
func decode(r io.Reader, charset string) (io.Reader, error) {
	charset = strings.TrimSpace(charset)
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return r, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: unknown encoding %q", charset)
	}
	return enc.NewDecoder().Reader(r), nil
}

// ReadCSV reads every row of a delimited file. A UTF-8 byte order mark on
// the first cell is removed.
func ReadCSV(ctx context.Context, r io.Reader, opts Options) ([][]string, error) {
	r, err := decode(r, opts.Encoding)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if opts.Delimiter != "" {
		reader.Comma = []rune(opts.Delimiter)[0]
	}

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ingest: csv cancelled")
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: csv read row")
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

// ReadXLSX reads every row of one sheet as formatted cell text.
func ReadXLSX(path string, opts Options) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: xlsx open file")
	}

	var sheet *xlsx.Sheet
	if opts.Sheet != "" {
		s, ok := f.Sheet[opts.Sheet]
		if !ok {
			return nil, eris.Errorf("ingest: xlsx sheet %q not found", opts.Sheet)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("ingest: xlsx file has no sheets")
		}
		sheet = f.Sheets[0]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// ReadFile reads a local CSV or XLSX file, chosen by extension.
func ReadFile(ctx context.Context, path string, opts Options) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, opts)
	case ".csv", ".txt", "":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f, opts)
	default:
		return nil, eris.Wrapf(ErrUnsupported, "ingest: %s", filepath.Ext(path))
	}
}

// ErrUnsupported is returned for file types that cannot be read.
var ErrUnsupported = eris.New("unsupported file type")
