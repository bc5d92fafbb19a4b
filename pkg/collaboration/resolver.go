// Package collaboration implements three-way merge of divergent document
// states. Cells are merged field by field; fields where only one side moved
// away from the common ancestor merge cleanly, and genuine conflicts are
// settled by a pluggable Policy.
package collaboration

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/observability"
)

// ErrInvalidCell is returned when a cell participating in a merge is
// malformed. The whole document-level resolve aborts; there is no partial
// merge.
var ErrInvalidCell = errors.New("invalid cell")

// Field names passed to policies
const (
	FieldValue   = "value"
	FieldFormula = "formula"
)

// ConflictMeta carries the provenance of the two divergent sides, for
// policies that resolve by authorship or wall-clock time.
type ConflictMeta struct {
	DocumentID   string
	MineAuthor   string
	TheirsAuthor string
	MineAt       time.Time
	TheirsAt     time.Time
}

// FieldConflict describes one field where both sides changed the common
// ancestor differently
type FieldConflict struct {
	ConflictMeta
	Sheet  string
	Ref    string
	Field  string
	Base   string
	Mine   string
	Theirs string
}

// Policy settles a genuine field conflict by choosing the surviving value
type Policy interface {
	Name() string
	Resolve(c FieldConflict) string
}

// Resolver merges divergent document states using a per-field policy
type Resolver struct {
	policy  Policy
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewResolver creates a Resolver with the given conflict policy
func NewResolver(policy Policy, logger observability.Logger, metrics observability.MetricsClient) *Resolver {
	if policy == nil {
		policy = TheirsWinPolicy{}
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Resolver{policy: policy, logger: logger, metrics: metrics}
}

// ResolveDocument merges two divergent documents against their common
// ancestor, applying the cell-level resolver to every address present in any
// of the three inputs. Missing cells are treated as empty.
func (r *Resolver) ResolveDocument(base, mine, theirs *models.Document, meta ConflictMeta) (*models.Document, error) {
	if base == nil {
		base = models.NewDocument(meta.DocumentID)
	}
	if mine == nil {
		mine = models.NewDocument(meta.DocumentID)
	}
	if theirs == nil {
		theirs = models.NewDocument(meta.DocumentID)
	}

	out := models.NewDocument(meta.DocumentID)
	if base.ID != "" {
		out.ID = base.ID
	}

	for _, key := range models.UnionCellKeys(base, mine, theirs) {
		b, _ := base.CellAt(key.Sheet, key.Ref)
		m, _ := mine.CellAt(key.Sheet, key.Ref)
		t, _ := theirs.CellAt(key.Sheet, key.Ref)

		merged, err := r.resolveCell(key.Sheet, key.Ref, b, m, t, meta)
		if err != nil {
			return nil, errors.Wrapf(err, "cell %s!%s", key.Sheet, key.Ref)
		}
		out.SetCell(key.Sheet, key.Ref, merged)
	}
	return out, nil
}

// ResolveCell merges a single cell triple. Exposed for direct use by the
// version store's merge operation and by tests.
func (r *Resolver) ResolveCell(base, mine, theirs models.Cell, meta ConflictMeta) (models.Cell, error) {
	return r.resolveCell("", "", base, mine, theirs, meta)
}

func (r *Resolver) resolveCell(sheet, ref string, base, mine, theirs models.Cell, meta ConflictMeta) (models.Cell, error) {
	for _, c := range []models.Cell{base, mine, theirs} {
		if err := validateCell(c); err != nil {
			return models.Cell{}, err
		}
	}

	out := models.Cell{}
	out.Value = r.resolveField(FieldValue, sheet, ref, base.Value, mine.Value, theirs.Value, meta)
	out.Formula = r.resolveField(FieldFormula, sheet, ref, base.Formula, mine.Formula, theirs.Formula, meta)

	for _, k := range unionFormatKeys(base, mine, theirs) {
		v := r.resolveField("format."+k, sheet, ref, base.Format[k], mine.Format[k], theirs.Format[k], meta)
		if v == "" {
			continue
		}
		if out.Format == nil {
			out.Format = make(map[string]string)
		}
		out.Format[k] = v
	}
	return out, nil
}

// resolveField applies the merge rules to one field:
//  1. both sides agree: keep that value
//  2. only theirs moved: take theirs
//  3. only mine moved: take mine
//  4. both moved differently: delegate to the policy
func (r *Resolver) resolveField(field, sheet, ref, base, mine, theirs string, meta ConflictMeta) string {
	switch {
	case mine == theirs:
		return mine
	case mine == base:
		return theirs
	case theirs == base:
		return mine
	}

	conflict := FieldConflict{
		ConflictMeta: meta,
		Sheet:        sheet,
		Ref:          ref,
		Field:        field,
		Base:         base,
		Mine:         mine,
		Theirs:       theirs,
	}
	chosen := r.policy.Resolve(conflict)

	r.metrics.IncrementCounter("conflicts_resolved", 1)
	r.logger.Debug("Field conflict resolved", map[string]interface{}{
		"document_id": meta.DocumentID,
		"sheet":       sheet,
		"ref":         ref,
		"field":       field,
		"policy":      r.policy.Name(),
	})
	return chosen
}

func validateCell(c models.Cell) error {
	for k := range c.Format {
		if k == "" {
			return errors.Wrap(ErrInvalidCell, "format entry with empty key")
		}
	}
	return nil
}

func unionFormatKeys(cells ...models.Cell) []string {
	seen := make(map[string]struct{})
	for _, c := range cells {
		for k := range c.Format {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	// Deterministic order keeps merges reproducible
	sort.Strings(keys)
	return keys
}
