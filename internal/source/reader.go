package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/parser"
)

// ErrNoNameColumn is returned for tables without a product name column.
var ErrNoNameColumn = errors.New("no product name column")

// Reader loads observations from scraper files.
type Reader struct {
	listing *parser.ListingParser
	logger  *slog.Logger
}

func NewReader(listing *parser.ListingParser, logger *slog.Logger) *Reader {
	if listing == nil {
		listing = parser.NewListingParser(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{listing: listing, logger: logger.With("component", "source_reader")}
}

// Read returns the file's rows in file order, each dated by its capture day.
func (r *Reader) Read(ctx context.Context, f File) ([]models.Observation, error) {
	var (
		rows []models.ScrapedRow
		err  error
	)
	switch f.Format {
	case FormatExcel:
		rows, err = r.readExcel(ctx, f)
	case FormatCSV:
		rows, err = r.readCSV(ctx, f)
	case FormatHTML:
		rows, err = r.readHTML(f)
	default:
		return nil, fmt.Errorf("unsupported format %q for %s", f.Format, f.Path)
	}
	if err != nil {
		return nil, err
	}

	obs := make([]models.Observation, 0, len(rows))
	for _, row := range rows {
		obs = append(obs, models.Observation{Row: row, Date: models.Day(row.CapturedAt)})
	}
	r.logger.Debug("file read", "path", f.Path, "retailer", f.Retailer, "rows", len(obs))
	return obs, nil
}

func (r *Reader) readExcel(ctx context.Context, f File) ([]models.ScrapedRow, error) {
	book, err := excelize.OpenFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	iter, err := book.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s of %s: %w", sheets[0], f.Path, err)
	}
	defer iter.Close()

	var (
		decoder *tableDecoder
		rows    []models.ScrapedRow
		seq     int
	)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cols, err := iter.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to read row of %s: %w", f.Path, err)
		}
		if decoder == nil {
			decoder = newTableDecoder(cols, f, r.listing)
			if !decoder.hasName() {
				return nil, fmt.Errorf("%s: %w", f.Path, ErrNoNameColumn)
			}
			continue
		}
		if blank(cols) {
			continue
		}
		rows = append(rows, decoder.decode(cols, seq))
		seq++
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", f.Path, err)
	}
	return rows, nil
}

func (r *Reader) readCSV(ctx context.Context, f File) ([]models.ScrapedRow, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	first, _ := br.Peek(4096)
	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(first)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", f.Path, err)
	}
	decoder := newTableDecoder(header, f, r.listing)
	if !decoder.hasName() {
		return nil, fmt.Errorf("%s: %w", f.Path, ErrNoNameColumn)
	}

	var rows []models.ScrapedRow
	seq := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		if blank(record) {
			continue
		}
		rows = append(rows, decoder.decode(record, seq))
		seq++
	}
	return rows, nil
}

func (r *Reader) readHTML(f File) ([]models.ScrapedRow, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	rows, err := r.listing.ParseListing(file, f.Retailer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing %s: %w", f.Path, err)
	}
	for i := range rows {
		rows[i].Retailer = f.Retailer
		rows[i].CapturedAt = f.CapturedAt
		rows[i].Seq = i
	}
	return rows, nil
}

// Exports from Excel in es-CL locales use semicolons.
func sniffDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
