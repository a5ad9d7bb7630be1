package normalize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := Default()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"uppercases", "hp pavilion", "HP PAVILION"},
		{"collapses whitespace", "  HP   Pavilion\t15  ", "HP PAVILION 15"},
		{"drops stopwords", "Notebook HP Pavilion 15 8GB 512GB", "HP PAVILION 15 8GB 512GB"},
		{"drops stopwords in any case", "Celular Xiaomi Redmi Note 13", "XIAOMI REDMI NOTE 13"},
		{"folds accents", "Cámara Teléfono Ñandú", "CAMARA NANDU"},
		{"empty", "", ""},
		{"only stopwords", "Laptop Notebook", "LAPTOP NOTEBOOK"},
		{"only stopwords folded", "  Teléfono   celular ", "TELEFONO CELULAR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.input))
		})
	}
}

func TestNormalizeTruncates(t *testing.T) {
	n := Default()
	long := strings.Repeat("Samsung Galaxy ", 10)

	got := n.Normalize(long)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), MaxLength)
	assert.Equal(t, strings.TrimSpace(got), got)
}

func TestNormalizeDeterministic(t *testing.T) {
	n := Default()
	input := "Smartphone  Motorola Edge 50 Fusión 256GB"
	first := n.Normalize(input)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, n.Normalize(input))
	}
}

func TestCustomStopwords(t *testing.T) {
	n := New([]string{"gamer", "teléfono"})
	assert.Equal(t, "ASUS TUF", n.Normalize("Asus TUF Gamer"))
	assert.True(t, n.IsStopword("telefono"))
	assert.False(t, n.IsStopword("laptop"))
}
