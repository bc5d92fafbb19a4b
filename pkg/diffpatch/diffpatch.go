// Package diffpatch computes and applies textual deltas between two versions
// of a scalar value. A Delta records the length and checksum of the base text
// it was computed against; applying it to any other text fails instead of
// silently producing a corrupted result.
package diffpatch

import (
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrMalformedDelta is returned when a delta's preconditions do not match the
// base text it is being applied to, or when its patch body cannot be decoded.
var ErrMalformedDelta = errors.New("malformed delta")

// Delta is a serializable description of the difference between two texts.
// It can only be applied to the exact base text it was computed from.
type Delta struct {
	BaseLength   int    `json:"base_length"`
	BaseChecksum uint32 `json:"base_checksum"`
	Patch        string `json:"patch,omitempty"`
}

// Diff computes the delta that transforms a into b
func Diff(a, b string) Delta {
	d := Delta{
		BaseLength:   len(a),
		BaseChecksum: crc32.ChecksumIEEE([]byte(a)),
	}
	if a == b {
		return d
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	d.Patch = dmp.PatchToText(dmp.PatchMake(a, diffs))
	return d
}

// Patch applies d to a. The base length and checksum recorded in d must match
// a exactly; diffmatchpatch would otherwise fuzzily apply the patch to the
// wrong text.
func Patch(a string, d Delta) (string, error) {
	if len(a) != d.BaseLength || crc32.ChecksumIEEE([]byte(a)) != d.BaseChecksum {
		return "", errors.Wrapf(ErrMalformedDelta,
			"delta precondition failed: base length %d checksum %08x, got length %d",
			d.BaseLength, d.BaseChecksum, len(a))
	}
	if d.Patch == "" {
		return a, nil
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(d.Patch)
	if err != nil {
		return "", errors.Wrap(ErrMalformedDelta, err.Error())
	}

	result, applied := dmp.PatchApply(patches, a)
	for _, ok := range applied {
		if !ok {
			return "", errors.Wrap(ErrMalformedDelta, "patch hunk did not apply")
		}
	}
	return result, nil
}

// Invert computes the delta that undoes d when applied to Patch(a, d)
func Invert(a string, d Delta) (Delta, error) {
	b, err := Patch(a, d)
	if err != nil {
		return Delta{}, err
	}
	return Diff(b, a), nil
}

// IsNoop reports whether the delta leaves its base unchanged
func (d Delta) IsNoop() bool {
	return d.Patch == ""
}
