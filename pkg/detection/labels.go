package detection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoLabels is returned when a label file holds no class names.
var ErrNoLabels = errors.New("detection: empty label set")

// WasteLabels is the class list of the bundled waste model, in model order.
var WasteLabels = []string{
	"biological", "cardboard", "glass", "metal", "paper", "plastic",
	"plastic-others", "plastic-pe_hd", "plastic-pet", "plastic-pp", "plastic-ps", "trash",
}

// LabelSet is the ordered class list of a model. Loaded once at startup.
type LabelSet struct {
	names []string
}

// NewLabelSet builds a label set from names. Every name must map to a
// category so an unknown class fails at startup rather than mid-session.
func NewLabelSet(names []string) (*LabelSet, error) {
	if len(names) == 0 {
		return nil, ErrNoLabels
	}
	for _, n := range names {
		if _, err := CategoryForLabel(n); err != nil {
			return nil, err
		}
	}
	cp := make([]string, len(names))
	copy(cp, names)
	return &LabelSet{names: cp}, nil
}

// ParseLabels reads one class name per line. Blank lines are skipped.
func ParseLabels(r io.Reader) (*LabelSet, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return NewLabelSet(names)
}

// LoadLabels reads a label file from disk
func LoadLabels(path string) (*LabelSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()
	return ParseLabels(f)
}

// Len returns the number of classes
func (l *LabelSet) Len() int { return len(l.names) }

// Name returns the class name at index, or "" when out of range
func (l *LabelSet) Name(index int) string {
	if index < 0 || index >= len(l.names) {
		return ""
	}
	return l.names[index]
}

// Names returns a copy of the class list
func (l *LabelSet) Names() []string {
	cp := make([]string, len(l.names))
	copy(cp, l.names)
	return cp
}

// CategoryOf resolves a class index to its category
func (l *LabelSet) CategoryOf(index int) (Category, error) {
	name := l.Name(index)
	if name == "" {
		return 0, fmt.Errorf("%w: class index %d", ErrUnknownCategory, index)
	}
	return CategoryForLabel(name)
}
