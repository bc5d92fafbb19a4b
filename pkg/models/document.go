// Package models defines the shared data model for the collaborative sync
// core: documents and their cells, change sets, version history entries,
// presence records, and session metadata.
package models

import (
	"regexp"
	"sort"
)

// RefPattern matches a cell reference such as "A1" or "BC42"
var RefPattern = regexp.MustCompile(`^[A-Z]+[1-9][0-9]*$`)

// Cell is a single spreadsheet cell. A non-empty Formula implies Value holds
// the last computed result of that formula; computation happens outside the
// sync core.
type Cell struct {
	Value   string            `json:"value,omitempty"`
	Formula string            `json:"formula,omitempty"`
	Format  map[string]string `json:"format,omitempty"`
}

// IsEmpty reports whether the cell carries no content at all
func (c Cell) IsEmpty() bool {
	return c.Value == "" && c.Formula == "" && len(c.Format) == 0
}

// Equal reports whether two cells have identical value, formula and format
func (c Cell) Equal(o Cell) bool {
	if c.Value != o.Value || c.Formula != o.Formula || len(c.Format) != len(o.Format) {
		return false
	}
	for k, v := range c.Format {
		if ov, ok := o.Format[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the cell
func (c Cell) Clone() Cell {
	out := Cell{Value: c.Value, Formula: c.Formula}
	if c.Format != nil {
		out.Format = make(map[string]string, len(c.Format))
		for k, v := range c.Format {
			out.Format[k] = v
		}
	}
	return out
}

// Sheet is a sparse mapping from cell reference to cell
type Sheet struct {
	Name  string          `json:"name"`
	Cells map[string]Cell `json:"cells"`
}

// NewSheet creates an empty sheet with the given name
func NewSheet(name string) *Sheet {
	return &Sheet{Name: name, Cells: make(map[string]Cell)}
}

// Clone returns a deep copy of the sheet
func (s *Sheet) Clone() *Sheet {
	out := NewSheet(s.Name)
	for ref, cell := range s.Cells {
		out.Cells[ref] = cell.Clone()
	}
	return out
}

// Document is a named collection of sheets. Its current state is always the
// result of replaying its version log from genesis.
type Document struct {
	ID     string            `json:"id"`
	Name   string            `json:"name,omitempty"`
	Sheets map[string]*Sheet `json:"sheets"`
}

// NewDocument creates an empty document with the given id
func NewDocument(id string) *Document {
	return &Document{ID: id, Sheets: make(map[string]*Sheet)}
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	out := NewDocument(d.ID)
	out.Name = d.Name
	for name, sheet := range d.Sheets {
		out.Sheets[name] = sheet.Clone()
	}
	return out
}

// CellAt returns the cell at (sheet, ref) and whether it exists
func (d *Document) CellAt(sheet, ref string) (Cell, bool) {
	s, ok := d.Sheets[sheet]
	if !ok {
		return Cell{}, false
	}
	c, ok := s.Cells[ref]
	return c, ok
}

// SetCell writes a cell at (sheet, ref), creating the sheet if needed.
// Writing an empty cell removes the address from the sheet.
func (d *Document) SetCell(sheet, ref string, cell Cell) {
	s, ok := d.Sheets[sheet]
	if !ok {
		if cell.IsEmpty() {
			return
		}
		s = NewSheet(sheet)
		d.Sheets[sheet] = s
	}
	if cell.IsEmpty() {
		delete(s.Cells, ref)
		if len(s.Cells) == 0 {
			delete(d.Sheets, sheet)
		}
		return
	}
	s.Cells[ref] = cell
}

// Equal reports whether two documents hold the same cells
func (d *Document) Equal(o *Document) bool {
	keys := UnionCellKeys(d, o)
	for _, k := range keys {
		a, _ := d.CellAt(k.Sheet, k.Ref)
		b, _ := o.CellAt(k.Sheet, k.Ref)
		if !a.Equal(b) {
			return false
		}
	}
	return true
}

// CellKey addresses a cell across sheets
type CellKey struct {
	Sheet string
	Ref   string
}

// UnionCellKeys returns every (sheet, ref) present in any of the documents,
// in deterministic order
func UnionCellKeys(docs ...*Document) []CellKey {
	seen := make(map[CellKey]struct{})
	for _, d := range docs {
		if d == nil {
			continue
		}
		for name, sheet := range d.Sheets {
			for ref := range sheet.Cells {
				seen[CellKey{Sheet: name, Ref: ref}] = struct{}{}
			}
		}
	}
	keys := make([]CellKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sheet != keys[j].Sheet {
			return keys[i].Sheet < keys[j].Sheet
		}
		return keys[i].Ref < keys[j].Ref
	})
	return keys
}
