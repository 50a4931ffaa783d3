// Package sheet provides an in-memory spreadsheet capability collaborator.
// It honors the documented size-guard contract: range requests above the
// cell-count cap are rejected instead of materializing an oversized value
// matrix, and the host propagates that rejection untouched.
package sheet

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gridlet-dev/gridlet-host/domain/ports"
)

// DefaultMaxCells is the documented range-size cap.
const DefaultMaxCells = 200_000

// ErrRangeTooLarge is returned when a requested range exceeds the cap.
var ErrRangeTooLarge = fmt.Errorf("range exceeds the %d cell limit", DefaultMaxCells)

// Cell addresses are A1-style: one or more letters, then a 1-based row.
var cellRef = regexp.MustCompile(`^([A-Z]+)([0-9]+)$`)

type gridConfig struct {
	maxCells int
}

// GridOption configures a Grid.
type GridOption func(*gridConfig)

// WithMaxCells overrides the range-size cap. Intended for tests.
func WithMaxCells(n int) GridOption {
	return func(c *gridConfig) {
		c.maxCells = n
	}
}

// Grid is an in-memory implementation of ports.SheetAPI.
type Grid struct {
	mu        sync.RWMutex
	cells     map[string]any // keyed by canonical A1 reference
	selection string
	config    gridConfig
}

// NewGrid creates an empty grid.
func NewGrid(opts ...GridOption) *Grid {
	cfg := gridConfig{maxCells: DefaultMaxCells}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Grid{cells: make(map[string]any), selection: "A1", config: cfg}
}

// ReadRange implements ports.SheetAPI.
func (g *Grid) ReadRange(ctx context.Context, ref string) ([][]any, error) {
	r, err := parseRange(ref)
	if err != nil {
		return nil, err
	}
	if r.cellCount() > g.config.maxCells {
		return nil, ErrRangeTooLarge
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	values := make([][]any, r.rows())
	for row := 0; row < r.rows(); row++ {
		values[row] = make([]any, r.cols())
		for col := 0; col < r.cols(); col++ {
			values[row][col] = g.cells[cellKey(r.startCol+col, r.startRow+row)]
		}
	}
	return values, nil
}

// WriteRange implements ports.SheetAPI.
func (g *Grid) WriteRange(ctx context.Context, ref string, values [][]any) error {
	r, err := parseRange(ref)
	if err != nil {
		return err
	}
	if r.cellCount() > g.config.maxCells {
		return ErrRangeTooLarge
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for row := 0; row < r.rows() && row < len(values); row++ {
		for col := 0; col < r.cols() && col < len(values[row]); col++ {
			g.cells[cellKey(r.startCol+col, r.startRow+row)] = values[row][col]
		}
	}
	return nil
}

// GetSelection implements ports.SheetAPI.
func (g *Grid) GetSelection(ctx context.Context) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.selection, nil
}

// SetSelection implements ports.SheetAPI.
func (g *Grid) SetSelection(ctx context.Context, ref string) error {
	if _, err := parseRange(ref); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selection = ref
	return nil
}

type cellRange struct {
	startCol, startRow int // zero-based
	endCol, endRow     int // inclusive
}

func (r cellRange) rows() int      { return r.endRow - r.startRow + 1 }
func (r cellRange) cols() int      { return r.endCol - r.startCol + 1 }
func (r cellRange) cellCount() int { return r.rows() * r.cols() }

// parseRange accepts "A1" or "A1:C20".
func parseRange(ref string) (cellRange, error) {
	parts := strings.SplitN(strings.ToUpper(strings.TrimSpace(ref)), ":", 2)
	startCol, startRow, err := parseCell(parts[0])
	if err != nil {
		return cellRange{}, err
	}
	endCol, endRow := startCol, startRow
	if len(parts) == 2 {
		endCol, endRow, err = parseCell(parts[1])
		if err != nil {
			return cellRange{}, err
		}
	}
	if endCol < startCol || endRow < startRow {
		return cellRange{}, fmt.Errorf("invalid range %q: end before start", ref)
	}
	return cellRange{startCol: startCol, startRow: startRow, endCol: endCol, endRow: endRow}, nil
}

func parseCell(ref string) (col, row int, err error) {
	m := cellRef.FindStringSubmatch(ref)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	for _, ch := range m[1] {
		col = col*26 + int(ch-'A') + 1
	}
	col--
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	return col, n - 1, nil
}

func cellKey(col, row int) string {
	name := ""
	c := col + 1
	for c > 0 {
		c--
		name = string(rune('A'+c%26)) + name
		c /= 26
	}
	return name + strconv.Itoa(row+1)
}

var _ ports.SheetAPI = (*Grid)(nil)
