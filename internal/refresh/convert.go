package refresh

import (
	"context"
	"strings"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// keyEMSID is set on working records to show the owning provider.
const keyEMSID = "ems_id"

// ref describes one cross-reference attribute of a record: the nested record
// (or list of records) under field is resolved against the target
// collection and written to column as an id (or id list).
type ref struct {
	field  string
	column string
	target string
	many   bool
	always bool // write column even when field is absent, clearing the link
}

// relation is the link name the column is stored under: "flavor_id" is
// "flavor", "cloud_tenant_ids" is "cloud_tenants".
func (f ref) relation() string {
	return relationFor(f.column)
}

func relationFor(column string) string {
	if base, ok := strings.CutSuffix(column, "_ids"); ok {
		return base + "s"
	}

	return strings.TrimSuffix(column, "_id")
}

// finder looks entities up by natural key; satisfied by *inventory.Tx and
// *inventory.Store.
type finder interface {
	FindByKey(ctx context.Context, collection, column string, values []string) ([]*inventory.Entity, error)
}

// resolveRefs writes the id columns of refs onto work, reading the nested
// references from backup (where Strip moved them).
func (r *run) resolveRefs(ctx context.Context, q finder, work *snapshot.Record, backup snapshot.Backup, refs []ref) error {
	for _, f := range refs {
		_, present := backup.Get(f.field)
		if !present && !f.always {
			continue
		}

		if f.many {
			ids := make([]any, 0)
			seen := make(map[int64]bool)

			for _, nested := range backup.Records(f.field) {
				id, err := r.lookup(ctx, q, f.target, nested)
				if err != nil {
					return err
				}

				if id != 0 && !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}

			work.Set(f.column, ids)

			continue
		}

		id, err := r.lookup(ctx, q, f.target, backup.Record(f.field))
		if err != nil {
			return err
		}

		if id == 0 {
			work.Set(f.column, nil)
		} else {
			work.Set(f.column, id)
		}
	}

	return nil
}

// lookup resolves a nested reference to an entity id: first through the
// run ledger, then by ems_ref or uid_ems among entities the provider owns.
// A reference that resolves nowhere yields 0 and the link is cleared.
func (r *run) lookup(ctx context.Context, q finder, collection string, nested *snapshot.Record) (int64, error) {
	if nested == nil {
		return 0, nil
	}

	if id, ok := r.ledger.get(collection, nested); ok {
		return id, nil
	}

	for _, column := range []string{snapshot.KeyEMSRef, snapshot.KeyUIDEMS} {
		v := nested.String(column)
		if v == "" {
			continue
		}

		found, err := q.FindByKey(ctx, collection, column, []string{v})
		if err != nil {
			return 0, err
		}

		for _, e := range found {
			if e.EMSID == r.ems.ID {
				r.ledger.putKey(collection, column, v, e.ID)

				return e.ID, nil
			}
		}
	}

	return 0, nil
}

// applyRecord copies the persistable attributes of rec onto e. Natural key
// columns and the type discriminator map to entity columns, id columns of
// refs become links, and every other scalar is merged into Attributes.
// Nested records are never stored as attributes.
func applyRecord(e *inventory.Entity, rec *snapshot.Record, refs []ref) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}

	columns := make(map[string]ref, len(refs))
	for _, f := range refs {
		columns[f.column] = f
	}

	for _, key := range rec.Keys() {
		v, _ := rec.Get(key)

		switch key {
		case snapshot.KeyID, snapshot.KeyInvalid, keyEMSID:
			continue
		case snapshot.KeyType:
			if t := rec.String(key); t != "" {
				e.Type = t
			}

			continue
		case snapshot.KeyEMSRef:
			e.EMSRef = rec.String(key)
			continue
		case snapshot.KeyUIDEMS:
			e.UIDEMS = rec.String(key)
			continue
		case snapshot.KeyName:
			e.Name = rec.String(key)
			continue
		case keyRawPowerState:
			e.RawPowerState = rec.String(key)
			continue
		}

		if f, ok := columns[key]; ok {
			e.SetLink(f.relation(), linkIDs(v)...)
			continue
		}

		if !persistable(v) {
			continue
		}

		e.Attributes[key] = v
	}
}

func linkIDs(v any) []int64 {
	switch t := v.(type) {
	case int64:
		return []int64{t}
	case []any:
		out := make([]int64, 0, len(t))
		for _, e := range t {
			if id, ok := e.(int64); ok {
				out = append(out, id)
			}
		}

		return out
	default:
		return nil
	}
}

// persistable reports whether v is a scalar or a list of scalars.
func persistable(v any) bool {
	switch t := v.(type) {
	case *snapshot.Record, []*snapshot.Record:
		return false
	case []any:
		for _, e := range t {
			if !persistable(e) {
				return false
			}
		}

		return true
	default:
		return true
	}
}
