package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maltedev/catalog-dedup/internal/identity"
	"github.com/maltedev/catalog-dedup/internal/normalize"
	"github.com/maltedev/catalog-dedup/internal/parser"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Vocabulary is the matching data shared by the normalizer, the identifier
// generator and the listing parser.
type Vocabulary struct {
	Country           string              `yaml:"country"`
	Brands            []string            `yaml:"brands"`
	Models            []string            `yaml:"models"`
	BrandPlaceholders []string            `yaml:"brand_placeholders"`
	Stopwords         []string            `yaml:"stopwords"`
	SpecPatterns      []SpecPattern       `yaml:"spec_patterns"`
	Retailers         map[string]Retailer `yaml:"retailers"`
}

type SpecPattern struct {
	Label    string `yaml:"label"`
	Pattern  string `yaml:"pattern"`
	Priority bool   `yaml:"priority"`
}

type Retailer struct {
	Code    string            `yaml:"code"`
	Listing *parser.Selectors `yaml:"listing"`
}

// LoadVocabulary reads the YAML vocabulary at path, or the built-in one when
// path is empty.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data := defaultVocabulary
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read vocabulary: %w", err)
		}
	}
	return ParseVocabulary(data)
}

func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	for i, p := range v.SpecPatterns {
		if strings.TrimSpace(p.Pattern) == "" {
			return nil, fmt.Errorf("spec pattern %d (%s) is empty", i, p.Label)
		}
	}
	for name, r := range v.Retailers {
		if strings.TrimSpace(r.Code) == "" {
			return nil, fmt.Errorf("retailer %q has no code", name)
		}
	}
	return &v, nil
}

// Identity converts the vocabulary for the identifier generator. country,
// when set, overrides the file's country prefix.
func (v *Vocabulary) Identity(country string) identity.Vocabulary {
	out := identity.Vocabulary{
		Country:           v.Country,
		Brands:            v.Brands,
		Models:            v.Models,
		BrandPlaceholders: v.BrandPlaceholders,
		RetailerCodes:     make(map[string]string, len(v.Retailers)),
	}
	if country != "" {
		out.Country = country
	}
	for name, r := range v.Retailers {
		out.RetailerCodes[name] = r.Code
	}
	for _, p := range v.SpecPatterns {
		out.SpecPatterns = append(out.SpecPatterns, identity.SpecPattern{
			Label:    p.Label,
			Pattern:  p.Pattern,
			Priority: p.Priority,
		})
	}
	return out
}

// Normalizer builds a name normalizer from the stopword list.
func (v *Vocabulary) Normalizer() *normalize.Normalizer {
	if len(v.Stopwords) == 0 {
		return normalize.Default()
	}
	return normalize.New(v.Stopwords)
}

// Selectors returns the listing selectors of every retailer that has them.
func (v *Vocabulary) Selectors() map[string]parser.Selectors {
	out := make(map[string]parser.Selectors)
	for name, r := range v.Retailers {
		if r.Listing != nil {
			out[name] = *r.Listing
		}
	}
	return out
}
