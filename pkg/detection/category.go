package detection

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCategory is returned for class names with no material mapping.
// An unmapped class must never reach the controller.
var ErrUnknownCategory = errors.New("detection: unknown category")

// Category is the closed set of materials the bin can sort
type Category int

const (
	Plastic Category = iota
	Paper
	Glass
	Metal
	Organic
	General
)

// Categories lists every category in declaration order
var Categories = []Category{Plastic, Paper, Glass, Metal, Organic, General}

var categoryNames = [...]string{
	Plastic: "plastic",
	Paper:   "paper",
	Glass:   "glass",
	Metal:   "metal",
	Organic: "organic",
	General: "general",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// Valid reports whether c is a declared category
func (c Category) Valid() bool {
	return c >= Plastic && c <= General
}

// MarshalText implements encoding.TextMarshaler
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory parses a category name as produced by String
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// labelCategories maps every class the waste model emits
var labelCategories = map[string]Category{
	"plastic":        Plastic,
	"plastic-pet":    Plastic,
	"plastic-pe_hd":  Plastic,
	"plastic-pp":     Plastic,
	"plastic-ps":     Plastic,
	"plastic-others": Plastic,
	"paper":          Paper,
	"cardboard":      Paper,
	"glass":          Glass,
	"metal":          Metal,
	"biological":     Organic,
	"trash":          General,
}

// CategoryForLabel maps a detector class name to its category
func CategoryForLabel(label string) (Category, error) {
	c, ok := labelCategories[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return 0, fmt.Errorf("%w: label %q", ErrUnknownCategory, label)
	}
	return c, nil
}

// IsPlasticLabel returns true for the plastic family of classes
func IsPlasticLabel(label string) bool {
	c, err := CategoryForLabel(label)
	return err == nil && c == Plastic
}

// BinPosition is the pan/tilt pair, in degrees, that routes an item into
// its compartment
type BinPosition struct {
	Pan  int
	Tilt int
}

// Compartments per firmware layout:
// 1 (-30,-45) plastic and metal, 2 (59,45) general,
// 3 (-30,45) paper and cardboard, 4 (59,-45) glass and organic.
var binPositions = [...]BinPosition{
	Plastic: {Pan: -30, Tilt: -45},
	Metal:   {Pan: -30, Tilt: -45},
	Paper:   {Pan: -30, Tilt: 45},
	Glass:   {Pan: 59, Tilt: -45},
	Organic: {Pan: 59, Tilt: -45},
	General: {Pan: 59, Tilt: 45},
}

// Position returns the bin position for c
func (c Category) Position() (BinPosition, error) {
	if !c.Valid() {
		return BinPosition{}, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	return binPositions[c], nil
}
