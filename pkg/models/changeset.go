package models

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/diffpatch"
)

// ErrInvalidChange is returned when a change set references a malformed
// sheet or cell address
var ErrInvalidChange = errors.New("invalid change")

// CellChange describes the transition of a single cell between two adjacent
// document versions. Value and Formula carry textual deltas against the
// cell's previous content; Format carries key-level upserts and removals.
type CellChange struct {
	Sheet         string            `json:"sheet"`
	Ref           string            `json:"ref"`
	Value         *diffpatch.Delta  `json:"value,omitempty"`
	Formula       *diffpatch.Delta  `json:"formula,omitempty"`
	Format        map[string]string `json:"format,omitempty"`
	FormatRemoved []string          `json:"format_removed,omitempty"`
	Delete        bool              `json:"delete,omitempty"`
}

// ChangeSet is the minimal diff applied to move a document from one version
// to the next. It is serializable and self-validating against the base
// document it is applied to: deltas fail on any other base.
type ChangeSet struct {
	Changes []CellChange `json:"changes"`
}

// IsEmpty reports whether the change set alters nothing
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Changes) == 0
}

// Validate checks addressability of every change
func (cs ChangeSet) Validate() error {
	for _, ch := range cs.Changes {
		if ch.Sheet == "" {
			return errors.Wrap(ErrInvalidChange, "missing sheet name")
		}
		if !RefPattern.MatchString(ch.Ref) {
			return errors.Wrapf(ErrInvalidChange, "bad cell reference %q", ch.Ref)
		}
	}
	return nil
}

// ApplyTo applies the change set to doc in place. Deltas are applied against
// the current cell content; a delta computed against a different base fails
// with diffpatch.ErrMalformedDelta and leaves doc partially updated, so
// callers should apply to a clone.
func (cs ChangeSet) ApplyTo(doc *Document) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	for _, ch := range cs.Changes {
		cur, _ := doc.CellAt(ch.Sheet, ch.Ref)
		if ch.Delete {
			doc.SetCell(ch.Sheet, ch.Ref, Cell{})
			continue
		}
		next := cur.Clone()
		if ch.Value != nil {
			v, err := diffpatch.Patch(cur.Value, *ch.Value)
			if err != nil {
				return errors.Wrapf(err, "cell %s!%s value", ch.Sheet, ch.Ref)
			}
			next.Value = v
		}
		if ch.Formula != nil {
			f, err := diffpatch.Patch(cur.Formula, *ch.Formula)
			if err != nil {
				return errors.Wrapf(err, "cell %s!%s formula", ch.Sheet, ch.Ref)
			}
			next.Formula = f
		}
		if len(ch.Format) > 0 && next.Format == nil {
			next.Format = make(map[string]string, len(ch.Format))
		}
		for k, v := range ch.Format {
			next.Format[k] = v
		}
		for _, k := range ch.FormatRemoved {
			delete(next.Format, k)
		}
		doc.SetCell(ch.Sheet, ch.Ref, next)
	}
	return nil
}

// DiffDocuments computes the change set that transforms from into to
func DiffDocuments(from, to *Document) ChangeSet {
	var cs ChangeSet
	for _, key := range UnionCellKeys(from, to) {
		a, _ := from.CellAt(key.Sheet, key.Ref)
		b, inTo := to.CellAt(key.Sheet, key.Ref)
		if a.Equal(b) {
			continue
		}
		ch := CellChange{Sheet: key.Sheet, Ref: key.Ref}
		if !inTo || b.IsEmpty() {
			ch.Delete = true
			cs.Changes = append(cs.Changes, ch)
			continue
		}
		if a.Value != b.Value {
			d := diffpatch.Diff(a.Value, b.Value)
			ch.Value = &d
		}
		if a.Formula != b.Formula {
			d := diffpatch.Diff(a.Formula, b.Formula)
			ch.Formula = &d
		}
		for k, v := range b.Format {
			if av, ok := a.Format[k]; !ok || av != v {
				if ch.Format == nil {
					ch.Format = make(map[string]string)
				}
				ch.Format[k] = v
			}
		}
		for k := range a.Format {
			if _, ok := b.Format[k]; !ok {
				ch.FormatRemoved = append(ch.FormatRemoved, k)
			}
		}
		sort.Strings(ch.FormatRemoved)
		cs.Changes = append(cs.Changes, ch)
	}
	return cs
}

// SetCellChange builds the change that replaces the content of one cell,
// given its current state. Convenience for clients and tests.
func SetCellChange(doc *Document, sheet, ref string, next Cell) CellChange {
	cur, _ := doc.CellAt(sheet, ref)
	ch := CellChange{Sheet: sheet, Ref: ref}
	if next.IsEmpty() {
		ch.Delete = true
		return ch
	}
	if cur.Value != next.Value {
		d := diffpatch.Diff(cur.Value, next.Value)
		ch.Value = &d
	}
	if cur.Formula != next.Formula {
		d := diffpatch.Diff(cur.Formula, next.Formula)
		ch.Formula = &d
	}
	for k, v := range next.Format {
		if cv, ok := cur.Format[k]; !ok || cv != v {
			if ch.Format == nil {
				ch.Format = make(map[string]string)
			}
			ch.Format[k] = v
		}
	}
	for k := range cur.Format {
		if _, ok := next.Format[k]; !ok {
			ch.FormatRemoved = append(ch.FormatRemoved, k)
		}
	}
	sort.Strings(ch.FormatRemoved)
	return ch
}
