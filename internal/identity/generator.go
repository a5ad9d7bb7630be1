// Package identity derives synthetic product identifiers from noisy
// retailer product names.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/normalize"
)

const (
	MaxIDLength   = 50
	DefaultPrefix = "CL"

	UnknownBrand    = "UNKN"
	UnknownModel    = "PROD"
	NoSpec          = "NA"
	UnknownRetailer = "UNK"

	brandLen     = 4
	modelLen     = 10
	modelIDLen   = 8
	specLen      = 15
	specIDLen    = 10
	hashLen      = 6
	specScan     = 4
	specKeep     = 2
	minBrandWord = 3
)

// Vocabulary is the data the generator matches names against. Order matters
// for Brands and Models: the first entry contained in a name wins.
type Vocabulary struct {
	Country           string
	Brands            []string
	Models            []string
	BrandPlaceholders []string
	RetailerCodes     map[string]string
	SpecPatterns      []SpecPattern
}

var DefaultBrands = []string{
	"SAMSUNG", "APPLE", "XIAOMI", "MOTOROLA", "HUAWEI", "HONOR", "OPPO", "REALME",
	"NOKIA", "LG", "SONY", "ASUS", "HP", "LENOVO", "DELL", "ACER", "MSI", "RAZER",
	"ALIENWARE", "TOSHIBA", "PHILIPS", "TCL", "HISENSE", "PANASONIC", "JBL", "BOSE",
	"LOGITECH", "CORSAIR", "KINGSTON", "SANDISK", "WESTERN", "SEAGATE", "CRUCIAL",
	"INTEL", "AMD", "NVIDIA", "GIGABYTE", "ASROCK", "BIOSTAR", "ZOTAC",
}

var DefaultModels = []string{
	"GALAXY", "IPHONE", "REDMI", "NOTE", "PRO", "PLUS", "ULTRA", "MAX", "LITE",
	"MINI", "AIR", "MACBOOK", "THINKPAD", "PAVILION", "INSPIRON", "VOSTRO",
	"LATITUDE", "ELITEBOOK", "PROBOOK", "OMEN", "PREDATOR", "ROG", "TUF",
	"GAMING", "EDGE", "MOTO", "PIXEL", "XPERIA",
}

// DefaultBrandPlaceholders are brand column values scrapers emit when the
// real brand is missing.
var DefaultBrandPlaceholders = []string{"NAN", "LAPTOP", "NOTEBOOK", "CELULAR", "15", "TABLET"}

var DefaultRetailerCodes = map[string]string{
	"ripley":       "RIP",
	"falabella":    "FAL",
	"paris":        "PAR",
	"mercadolibre": "ML",
	"hites":        "HIT",
	"abcdin":       "ABC",
}

// DefaultVocabulary returns the built-in vocabulary.
func DefaultVocabulary() Vocabulary {
	codes := make(map[string]string, len(DefaultRetailerCodes))
	for k, v := range DefaultRetailerCodes {
		codes[k] = v
	}
	return Vocabulary{
		Country:           DefaultPrefix,
		Brands:            append([]string(nil), DefaultBrands...),
		Models:            append([]string(nil), DefaultModels...),
		BrandPlaceholders: append([]string(nil), DefaultBrandPlaceholders...),
		RetailerCodes:     codes,
		SpecPatterns:      append([]SpecPattern(nil), DefaultSpecPatterns...),
	}
}

// Result carries the identifier and the parts it was assembled from.
type Result struct {
	ID           string
	Brand        string
	Model        string
	Spec         string
	RetailerCode string
	Hash         string
	// Degenerate is set when neither brand, model nor spec could be read
	// from the name; the hash is then the only distinguishing part.
	Degenerate bool
}

type modelMatcher struct {
	token  string
	suffix *regexp.Regexp
}

// Generator is immutable after construction and safe for concurrent use.
type Generator struct {
	country       string
	brands        []string
	models        []modelMatcher
	placeholders  map[string]struct{}
	retailerCodes map[string]string
	specs         *specMatcher
	normalizer    *normalize.Normalizer
}

var (
	alnumToken  = regexp.MustCompile(`\b([A-Z]+\d+[A-Z0-9]*)\b`)
	nonIDChars  = regexp.MustCompile(`[^A-Z0-9-]`)
	nonAlnum    = regexp.MustCompile(`[^A-Z0-9]`)
	allDigits   = regexp.MustCompile(`^\d+$`)
	placeholder = map[string]struct{}{"NAN": {}, "NONE": {}, "NULL": {}}
)

// NewGenerator compiles the vocabulary. Empty vocabulary sections fall back
// to the built-in defaults.
func NewGenerator(vocab Vocabulary, normalizer *normalize.Normalizer) (*Generator, error) {
	def := DefaultVocabulary()
	if vocab.Country == "" {
		vocab.Country = def.Country
	}
	if len(vocab.Brands) == 0 {
		vocab.Brands = def.Brands
	}
	if len(vocab.Models) == 0 {
		vocab.Models = def.Models
	}
	if len(vocab.BrandPlaceholders) == 0 {
		vocab.BrandPlaceholders = def.BrandPlaceholders
	}
	if len(vocab.RetailerCodes) == 0 {
		vocab.RetailerCodes = def.RetailerCodes
	}
	if len(vocab.SpecPatterns) == 0 {
		vocab.SpecPatterns = def.SpecPatterns
	}
	if normalizer == nil {
		normalizer = normalize.Default()
	}

	specs, err := compileSpecs(vocab.SpecPatterns)
	if err != nil {
		return nil, err
	}

	g := &Generator{
		country:       sanitize(vocab.Country),
		placeholders:  make(map[string]struct{}, len(vocab.BrandPlaceholders)),
		retailerCodes: make(map[string]string, len(vocab.RetailerCodes)),
		specs:         specs,
		normalizer:    normalizer,
	}
	if g.country == "" {
		g.country = DefaultPrefix
	}

	for _, b := range vocab.Brands {
		if b = strings.ToUpper(strings.TrimSpace(b)); b != "" {
			g.brands = append(g.brands, b)
		}
	}
	for _, m := range vocab.Models {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		g.models = append(g.models, modelMatcher{
			token:  m,
			suffix: regexp.MustCompile(regexp.QuoteMeta(m) + `\s?([A-Z]?\d+[A-Z0-9]*)`),
		})
	}
	for _, p := range vocab.BrandPlaceholders {
		g.placeholders[strings.ToUpper(strings.TrimSpace(p))] = struct{}{}
	}
	for name, code := range vocab.RetailerCodes {
		g.retailerCodes[strings.ToLower(strings.TrimSpace(name))] = sanitize(code)
	}

	return g, nil
}

// MustGenerator is NewGenerator for vocabularies known to compile.
func MustGenerator(vocab Vocabulary, normalizer *normalize.Normalizer) *Generator {
	g, err := NewGenerator(vocab, normalizer)
	if err != nil {
		panic(err)
	}
	return g
}

// Generate builds the identifier for row. seq is the row's position in its
// source and only matters when the row has neither SKU nor URL.
// Generate never fails and never returns an empty ID.
func (g *Generator) Generate(row models.ScrapedRow, seq int) Result {
	tokens := g.normalizer.Tokens(row.Name)
	name := strings.Join(tokens, " ")

	res := Result{
		Brand:        g.brand(name, tokens, row.Brand),
		Model:        g.model(name, tokens),
		Spec:         g.spec(row.Name),
		RetailerCode: g.RetailerCode(row.Retailer),
		Hash:         g.hash(row, seq),
	}
	res.Degenerate = res.Brand == UnknownBrand && res.Model == UnknownModel && res.Spec == NoSpec

	parts := []string{g.country, truncate(res.Brand, brandLen), truncate(res.Model, modelIDLen)}
	if res.Spec != NoSpec {
		parts = append(parts, truncate(res.Spec, specIDLen))
	}
	parts = append(parts, res.RetailerCode, res.Hash)

	id := nonIDChars.ReplaceAllString(strings.ToUpper(strings.Join(parts, "-")), "")
	res.ID = truncate(id, MaxIDLength)
	return res
}

// RetailerCode maps a retailer name to its short code.
func (g *Generator) RetailerCode(retailer string) string {
	if code, ok := g.retailerCodes[strings.ToLower(strings.TrimSpace(retailer))]; ok && code != "" {
		return code
	}
	return UnknownRetailer
}

func (g *Generator) brand(name string, tokens []string, field string) string {
	for _, b := range g.brands {
		if strings.Contains(name, b) {
			return truncate(b, brandLen)
		}
	}

	field = strings.ToUpper(strings.TrimSpace(field))
	if field != "" {
		_, isPlaceholder := g.placeholders[field]
		_, isNull := placeholder[field]
		if !isPlaceholder && !isNull {
			if b := sanitize(field); b != "" {
				return truncate(b, brandLen)
			}
		}
	}

	for _, w := range tokens {
		if len(w) < minBrandWord || g.normalizer.IsStopword(w) {
			continue
		}
		if b := sanitize(w); len(b) >= minBrandWord {
			return truncate(b, brandLen)
		}
	}
	return UnknownBrand
}

func (g *Generator) model(name string, tokens []string) string {
	for _, m := range g.models {
		if !strings.Contains(name, m.token) {
			continue
		}
		if match := m.suffix.FindStringSubmatch(name); match != nil {
			return truncate(m.token+match[1], modelLen)
		}
		return truncate(m.token, modelLen)
	}

	longest := ""
	for _, tok := range alnumToken.FindAllString(name, -1) {
		if len(tok) > len(longest) {
			longest = tok
		}
	}
	if longest != "" {
		return truncate(longest, modelLen)
	}

	var significant []string
	for _, w := range tokens {
		if len(w) > 3 && !allDigits.MatchString(w) {
			significant = append(significant, w)
		}
	}
	if len(significant) > 1 {
		if m := sanitize(significant[1]); m != "" {
			return truncate(m, modelLen)
		}
	}
	return UnknownModel
}

// spec reads technical tokens from the raw name so stopword removal and
// truncation cannot hide them.
func (g *Generator) spec(raw string) string {
	found := g.specs.find(raw, specScan)
	if len(found) == 0 {
		return NoSpec
	}

	ordered := make([]string, 0, len(found))
	for _, m := range found {
		if m.priority {
			ordered = append(ordered, m.text)
		}
	}
	for _, m := range found {
		if !m.priority {
			ordered = append(ordered, m.text)
		}
	}
	if len(ordered) > specKeep {
		ordered = ordered[:specKeep]
	}

	spec := nonAlnumDash(strings.Join(ordered, "-"))
	if spec == "" {
		return NoSpec
	}
	return truncate(spec, specLen)
}

func (g *Generator) hash(row models.ScrapedRow, seq int) string {
	var basis string
	switch {
	case usable(row.RawSKU):
		basis = strings.TrimSpace(row.RawSKU)
	case usable(row.URL):
		basis = strings.TrimSpace(row.URL)
	default:
		basis = g.normalizer.Normalize(row.Name) + strconv.Itoa(seq)
	}
	sum := md5.Sum([]byte(basis))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:hashLen]
}

func (r Result) String() string {
	return fmt.Sprintf("%s (brand=%s model=%s spec=%s)", r.ID, r.Brand, r.Model, r.Spec)
}

func usable(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	_, isNull := placeholder[strings.ToUpper(s)]
	return !isNull
}

func sanitize(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToUpper(s), "")
}

func nonAlnumDash(s string) string {
	return strings.Trim(nonIDChars.ReplaceAllString(strings.ToUpper(s), ""), "-")
}

// truncate cuts ASCII identifier parts; everything reaching it has already
// been reduced to A-Z0-9 and dashes, except raw vocabulary entries.
func truncate(s string, n int) string {
	return models.Truncate(s, n)
}
