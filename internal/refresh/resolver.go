package refresh

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// keySep joins the parts of a composite natural key.
const keySep = "\x1f"

// keyIndex groups persisted entities by natural key for matching snapshot
// records. Each group is ordered by ascending id, and a claimed entity leaves
// its group so no entity is matched twice in one batch.
type keyIndex struct {
	fields   []string
	matchRef bool // owned candidates must agree on ems_ref
	groups   map[string][]*inventory.Entity
	counts   map[string]int // group sizes before any claim
}

func newKeyIndex(fields []string, entities []*inventory.Entity) *keyIndex {
	ix := &keyIndex{
		fields:   fields,
		matchRef: true,
		groups:   make(map[string][]*inventory.Entity),
		counts:   make(map[string]int),
	}

	sorted := make([]*inventory.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, e := range sorted {
		k := entityKey(e, fields)
		if k == "" {
			continue
		}

		ix.groups[k] = append(ix.groups[k], e)
		ix.counts[k]++
	}

	return ix
}

// claim returns the entity the record with key, ems_ref emsRef, saved under
// provider emsID represents, or nil. The precedence is fixed so identical
// inputs always resolve the same way:
//
//  1. A single candidate that no provider owns is taken as is.
//  2. Otherwise prefer candidates owned by emsID whose ems_ref is unset or
//     equal to emsRef. Without matchRef any owned candidate qualifies.
//  3. Failing that, consider only unowned candidates: those with an equal
//     ems_ref, else all of them.
//
// The lowest id among the survivors wins.
func (ix *keyIndex) claim(key string, emsID int64, emsRef string) *inventory.Entity {
	if key == "" {
		return nil
	}

	found := ix.groups[key]

	if len(found) > 1 || (len(found) == 1 && found[0].EMSID != 0) {
		dups := found

		found = filterEntities(dups, func(e *inventory.Entity) bool {
			return e.EMSID == emsID && (!ix.matchRef || e.EMSRef == "" || e.EMSRef == emsRef)
		})

		if len(found) == 0 {
			dups = filterEntities(dups, func(e *inventory.Entity) bool { return e.EMSID == 0 })
			found = filterEntities(dups, func(e *inventory.Entity) bool { return e.EMSRef == emsRef })

			if len(found) == 0 {
				found = dups
			}
		}
	}

	if len(found) == 0 {
		return nil
	}

	winner := found[0]
	ix.remove(key, winner)

	return winner
}

func (ix *keyIndex) remove(key string, e *inventory.Entity) {
	group := ix.groups[key]
	for i, c := range group {
		if c == e {
			ix.groups[key] = append(group[:i:i], group[i+1:]...)
			return
		}
	}
}

// duplicates returns the keys that more than one persisted entity shared
// when the index was built.
func (ix *keyIndex) duplicates() []string {
	var out []string

	for k, n := range ix.counts {
		if n > 1 {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

func filterEntities(in []*inventory.Entity, keep func(*inventory.Entity) bool) []*inventory.Entity {
	var out []*inventory.Entity

	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}

	return out
}

// recordKey builds the natural key of a snapshot record. It is empty when
// every key field is missing, and such records never match.
func recordKey(rec *snapshot.Record, fields []string) string {
	parts := make([]string, len(fields))
	empty := true

	for i, f := range fields {
		parts[i] = rec.String(f)
		if parts[i] != "" {
			empty = false
		}
	}

	if empty {
		return ""
	}

	return strings.Join(parts, keySep)
}

func entityKey(e *inventory.Entity, fields []string) string {
	parts := make([]string, len(fields))
	empty := true

	for i, f := range fields {
		parts[i] = entityField(e, f)
		if parts[i] != "" {
			empty = false
		}
	}

	if empty {
		return ""
	}

	return strings.Join(parts, keySep)
}

func entityField(e *inventory.Entity, field string) string {
	switch field {
	case snapshot.KeyEMSRef:
		return e.EMSRef
	case snapshot.KeyUIDEMS:
		return e.UIDEMS
	case snapshot.KeyName:
		return e.Name
	}

	v, ok := e.Attributes[field]
	if !ok || v == nil {
		return ""
	}

	return fmt.Sprint(v)
}

// batchDuplicates returns the keys that occur more than once in keys.
func batchDuplicates(keys []string) []string {
	seen := make(map[string]int, len(keys))
	for _, k := range keys {
		if k != "" {
			seen[k]++
		}
	}

	var out []string

	for k, n := range seen {
		if n > 1 {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

// mergeSorted returns the sorted union of a and b without repeats.
func mergeSorted(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}

	for _, s := range b {
		set[s] = true
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}

	sort.Strings(out)

	return out
}
