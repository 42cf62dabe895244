// Package annotation holds the editable overlay records built from recognized words.
package annotation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
)

const (
	DefaultFontSize   = 16
	DefaultFontFamily = "Arial"
)

var (
	ErrIndexOutOfRange = errors.New("annotation index out of range")
	ErrUnknownField    = errors.New("unknown annotation field")
)

// Field names an editable annotation attribute
type Field string

const (
	FieldText       Field = "text"
	FieldTranslated Field = "translated"
	FieldFontSize   Field = "fontSize"
	FieldFontFamily Field = "fontFamily"
)

// Annotation is one editable overlay derived from one recognized word.
// BBox is in source-image pixel space.
type Annotation struct {
	Text       string          `json:"text"`
	Translated string          `json:"translated"`
	BBox       ocr.BoundingBox `json:"bbox"`
	FontSize   int             `json:"fontSize"`
	FontFamily string          `json:"fontFamily"`
}

// Defaults seed new annotations
type Defaults struct {
	FontSize   int
	FontFamily string
}

func (d Defaults) normalized() Defaults {
	if d.FontSize < 1 {
		d.FontSize = DefaultFontSize
	}
	if d.FontFamily == "" {
		d.FontFamily = DefaultFontFamily
	}
	return d
}

// FromWords builds one annotation per word, translated text starting as the original
func FromWords(words []ocr.Word, d Defaults) []Annotation {
	d = d.normalized()
	out := make([]Annotation, len(words))
	for i, w := range words {
		out[i] = Annotation{
			Text:       w.Text,
			Translated: w.Text,
			BBox:       w.BBox,
			FontSize:   d.FontSize,
			FontFamily: d.FontFamily,
		}
	}
	return out
}

// List is the ordered annotation list of one page
type List struct {
	mu       sync.RWMutex
	items    []Annotation
	defaults Defaults
}

// NewList creates an empty list
func NewList(d Defaults) *List {
	return &List{defaults: d.normalized()}
}

// Replace discards the current list and rebuilds it from words
func (l *List) Replace(words []ocr.Word) {
	items := FromWords(words, l.defaults)
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
}

// Len returns the number of annotations
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Snapshot returns a copy of the list
func (l *List) Snapshot() []Annotation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Annotation, len(l.items))
	copy(out, l.items)
	return out
}

// UpdateWord sets exactly one field of the annotation at index.
// fontSize values without a leading integer, or parsing to zero, become the list default.
func (l *List) UpdateWord(index int, field Field, value string) (Annotation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.items) {
		return Annotation{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(l.items))
	}

	a := &l.items[index]
	switch field {
	case FieldText:
		a.Text = value
	case FieldTranslated:
		a.Translated = value
	case FieldFontSize:
		a.FontSize = ParseFontSize(value, l.defaults.FontSize)
	case FieldFontFamily:
		a.FontFamily = value
	default:
		return Annotation{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return *a, nil
}

// ParseFontSize reads a leading base-10 integer (optional sign, surrounding
// whitespace allowed) and falls back when there is none or it is zero.
func ParseFontSize(value string, fallback int) int {
	n, ok := parseLeadingInt(value)
	if !ok || n == 0 {
		return fallback
	}
	return n
}

func parseLeadingInt(s string) (int, bool) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	start := i
	n := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		if n > (1<<31-1)/10 {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
		i++
	}
	if i == start {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
