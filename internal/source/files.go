// Package source turns scraper output files into observations.
package source

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

type Format string

const (
	FormatExcel Format = "xlsx"
	FormatCSV   Format = "csv"
	FormatHTML  Format = "html"
)

// DefaultTimezone is the zone scraper filenames are stamped in.
const DefaultTimezone = "America/Santiago"

var fileStamp = regexp.MustCompile(`^(\w+)_(\d{4})_(\d{2})_(\d{2})_(\d{6})\.(xlsx|csv|html?)$`)

// Files produced by scraper test runs.
var ignoredPrefixes = []string{"test_", "ml_test"}

// File is one scraper output file.
type File struct {
	Path       string
	Retailer   string
	CapturedAt time.Time
	Format     Format
}

// ParseFileStamp reads retailer and capture time from names like
// ripley_2025_01_15_143000.xlsx, interpreting the stamp in loc.
func ParseFileStamp(name string, loc *time.Location) (File, error) {
	base := filepath.Base(name)
	m := fileStamp.FindStringSubmatch(strings.ToLower(base))
	if m == nil {
		return File{}, fmt.Errorf("file name %q does not match retailer_YYYY_MM_DD_HHMMSS", base)
	}
	if loc == nil {
		loc = time.UTC
	}

	stamp := m[2] + m[3] + m[4] + m[5]
	capturedAt, err := time.ParseInLocation("20060102150405", stamp, loc)
	if err != nil {
		return File{}, fmt.Errorf("invalid timestamp in %q: %w", base, err)
	}

	format := Format(m[6])
	if format == "htm" {
		format = FormatHTML
	}
	return File{
		Path:       name,
		Retailer:   m[1],
		CapturedAt: capturedAt,
		Format:     format,
	}, nil
}

// Discover finds scraper files under dir, oldest capture first. Names that
// do not carry a stamp are returned in skipped.
func Discover(dir string, loc *time.Location) (files []File, skipped []string, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ignored(d.Name()) {
			return nil
		}
		f, parseErr := ParseFileStamp(path, loc)
		if parseErr != nil {
			skipped = append(skipped, path)
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].CapturedAt.Equal(files[j].CapturedAt) {
			return files[i].CapturedAt.Before(files[j].CapturedAt)
		}
		return files[i].Path < files[j].Path
	})
	return files, skipped, nil
}

func ignored(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$")
}
