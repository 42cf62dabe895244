// Package fonts resolves user-typed font family names to font faces.
//
// The Go font set is always available. Extra families can be registered
// from TTF/OTF files listed in a YAML font map:
//
//	default: Anime Ace
//	families:
//	  - name: Anime Ace
//	    file: /usr/share/fonts/animeace2_reg.ttf
//	    aliases: [animeace, comic]
package fonts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"gopkg.in/yaml.v3"
)

// FontMap is the YAML font map document
type FontMap struct {
	Default  string       `yaml:"default"`
	Families []FamilySpec `yaml:"families"`
}

// FamilySpec registers one font file under a name and its aliases
type FamilySpec struct {
	Name    string   `yaml:"name"`
	File    string   `yaml:"file"`
	Aliases []string `yaml:"aliases"`
}

// Registry maps lower-cased family names to parsed fonts
type Registry struct {
	mu       sync.RWMutex
	fonts    map[string]*opentype.Font
	fallback string
}

var builtins = []struct {
	names []string
	ttf   []byte
}{
	{[]string{"go", "go regular", "arial", "helvetica", "sans-serif", "sans"}, goregular.TTF},
	{[]string{"go medium"}, gomedium.TTF},
	{[]string{"go bold", "arial bold", "impact"}, gobold.TTF},
	{[]string{"go italic"}, goitalic.TTF},
	{[]string{"go mono", "courier", "courier new", "monospace"}, gomono.TTF},
}

// NewRegistry creates a registry seeded with the Go fonts.
// Unknown families resolve to fallback, or to Go Regular if fallback is unknown too.
func NewRegistry(fallback string) (*Registry, error) {
	r := &Registry{fonts: make(map[string]*opentype.Font)}
	for _, b := range builtins {
		f, err := opentype.Parse(b.ttf)
		if err != nil {
			return nil, fmt.Errorf("failed to parse builtin font %q: %w", b.names[0], err)
		}
		for _, name := range b.names {
			r.fonts[name] = f
		}
	}
	r.fallback = "go"
	if fallback != "" {
		r.SetFallback(fallback)
	}
	return r, nil
}

// SetFallback changes the family used for unknown names; it must already be registered
func (r *Registry) SetFallback(family string) bool {
	key := normalize(family)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fonts[key]; !ok {
		return false
	}
	r.fallback = key
	return true
}

// Register parses font data and adds it under name and aliases
func (r *Registry) Register(name string, data []byte, aliases ...string) error {
	if normalize(name) == "" {
		return fmt.Errorf("font family name is required")
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse font %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fonts[normalize(name)] = f
	for _, alias := range aliases {
		if key := normalize(alias); key != "" {
			r.fonts[key] = f
		}
	}
	return nil
}

// LoadFontMap reads a YAML font map and registers every family in it.
// Relative font paths are resolved against the map's directory.
func (r *Registry) LoadFontMap(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read font map: %w", err)
	}

	var m FontMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("failed to parse font map %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for _, fam := range m.Families {
		file := fam.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		ttf, err := os.ReadFile(file)
		if err != nil {
			return 0, fmt.Errorf("failed to read font %q: %w", fam.Name, err)
		}
		if err := r.Register(fam.Name, ttf, fam.Aliases...); err != nil {
			return 0, err
		}
	}

	if m.Default != "" && !r.SetFallback(m.Default) {
		return 0, fmt.Errorf("font map default %q is not a registered family", m.Default)
	}

	return len(m.Families), nil
}

// Has reports whether family resolves without falling back
func (r *Registry) Has(family string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fonts[normalize(family)]
	return ok
}

// Families lists registered names in sorted order
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fonts))
	for name := range r.fonts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MaxFaceSize caps face sizes; glyph rasterization cost grows with size squared
const MaxFaceSize = 1024

// Face returns a face for family at size pixels, clamped to 1..MaxFaceSize.
// The caller must Close it.
func (r *Registry) Face(family string, size int) (font.Face, error) {
	if size < 1 {
		size = 1
	}
	if size > MaxFaceSize {
		size = MaxFaceSize
	}

	r.mu.RLock()
	f, ok := r.fonts[normalize(family)]
	if !ok {
		f = r.fonts[r.fallback]
	}
	r.mu.RUnlock()

	// 72 DPI makes one point one pixel, matching CSS px sizes.
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create face %q at %d: %w", family, size, err)
	}
	return face, nil
}

// normalize lower-cases a CSS-like family name and takes the first entry of a list
func normalize(family string) string {
	if i := strings.IndexByte(family, ','); i >= 0 {
		family = family[:i]
	}
	family = strings.Trim(strings.TrimSpace(family), `"'`)
	return strings.ToLower(strings.TrimSpace(family))
}
