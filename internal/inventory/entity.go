package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Well-known link relations.
const (
	RelationHost             = "host"
	RelationParent           = "parent"
	RelationBaseSnapshot     = "cloud_volume_snapshot"
	RelationAvailabilityZone = "availability_zone"
)

// Entity is the stored counterpart of one snapshot record. Natural key
// columns (ems_ref, uid_ems, name) are first-class; every other scalar
// attribute lives in Attributes, and foreign keys to other entities live in
// Links keyed by relation name.
type Entity struct {
	ID             int64
	Collection     string
	Type           string
	EMSID          int64 // 0 when no provider owns the entity
	EMSRef         string
	UIDEMS         string
	Name           string
	RawPowerState  string
	Attributes     map[string]any
	Links          map[string][]int64
	CreatedAt      int64
	UpdatedAt      int64
	DisconnectedAt int64
}

// Link returns the single target of relation, or 0.
func (e *Entity) Link(relation string) int64 {
	if ids := e.Links[relation]; len(ids) > 0 {
		return ids[0]
	}

	return 0
}

// SetLink replaces the targets of relation. A zero id clears it.
func (e *Entity) SetLink(relation string, ids ...int64) {
	if e.Links == nil {
		e.Links = make(map[string][]int64)
	}

	kept := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			kept = append(kept, id)
		}
	}

	e.Links[relation] = kept
}

// Disconnected reports whether the entity was released by its provider.
func (e *Entity) Disconnected() bool {
	return e.DisconnectedAt != 0
}

const entityColumns = `id, collection, type, ems_id, ems_ref, uid_ems, name,
	raw_power_state, attributes, created_at, updated_at, disconnected_at`

const (
	sqlInsertEntity = `INSERT INTO entities
		(collection, type, ems_id, ems_ref, uid_ems, name, raw_power_state,
		 attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateEntity = `UPDATE entities SET
		type = ?, ems_id = ?, ems_ref = ?, uid_ems = ?, name = ?,
		raw_power_state = ?, attributes = ?, updated_at = ?, disconnected_at = ?
		WHERE id = ?`

	sqlDeleteRelation = `DELETE FROM entity_links WHERE entity_id = ? AND relation = ?`

	sqlInsertLink = `INSERT INTO entity_links (entity_id, relation, target_id, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, relation, target_id) DO UPDATE SET position = excluded.position`

	sqlDisconnect = `UPDATE entities SET ems_id = NULL, disconnected_at = ?, updated_at = ?
		WHERE id = ?`

	sqlSetRawPowerState = `UPDATE entities SET raw_power_state = ?, updated_at = ? WHERE id = ?`
)

// Create inserts e and its links, assigning e.ID and the timestamps.
func (o ops) Create(ctx context.Context, e *Entity) error {
	attrs, err := encodeAttributes(e.Attributes)
	if err != nil {
		return err
	}

	now := o.now()

	res, err := o.q.ExecContext(ctx, sqlInsertEntity,
		e.Collection, e.Type, nullInt64(e.EMSID), nullString(e.EMSRef), nullString(e.UIDEMS),
		nullString(e.Name), nullString(e.RawPowerState), attrs, now, now,
	)
	if err != nil {
		return fmt.Errorf("inventory: creating %s %q: %w", e.Collection, e.EMSRef, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("inventory: reading id for new %s: %w", e.Collection, err)
	}

	e.ID = id
	e.CreatedAt = now
	e.UpdatedAt = now

	return o.writeLinks(ctx, e)
}

// Update writes every column of e and replaces the targets of each relation
// present in e.Links. Relations absent from e.Links are left untouched.
func (o ops) Update(ctx context.Context, e *Entity) error {
	if e.ID == 0 {
		return fmt.Errorf("inventory: updating %s without id", e.Collection)
	}

	attrs, err := encodeAttributes(e.Attributes)
	if err != nil {
		return err
	}

	now := o.now()

	res, err := o.q.ExecContext(ctx, sqlUpdateEntity,
		e.Type, nullInt64(e.EMSID), nullString(e.EMSRef), nullString(e.UIDEMS), nullString(e.Name),
		nullString(e.RawPowerState), attrs, now, nullInt64(e.DisconnectedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("inventory: updating %s %d: %w", e.Collection, e.ID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("inventory: updating %s %d: %w", e.Collection, e.ID, ErrNotFound)
	}

	e.UpdatedAt = now

	return o.writeLinks(ctx, e)
}

func (o ops) writeLinks(ctx context.Context, e *Entity) error {
	relations := make([]string, 0, len(e.Links))
	for rel := range e.Links {
		relations = append(relations, rel)
	}

	sort.Strings(relations)

	for _, rel := range relations {
		if _, err := o.q.ExecContext(ctx, sqlDeleteRelation, e.ID, rel); err != nil {
			return fmt.Errorf("inventory: clearing %s link of %d: %w", rel, e.ID, err)
		}

		for pos, target := range e.Links[rel] {
			if _, err := o.q.ExecContext(ctx, sqlInsertLink, e.ID, rel, target, pos); err != nil {
				return fmt.Errorf("inventory: linking %d %s -> %d: %w", e.ID, rel, target, err)
			}
		}
	}

	return nil
}

// SetRawPowerState stores the informational power state without touching
// anything else on the entity.
func (o ops) SetRawPowerState(ctx context.Context, id int64, state string) error {
	if _, err := o.q.ExecContext(ctx, sqlSetRawPowerState, nullString(state), o.now(), id); err != nil {
		return fmt.Errorf("inventory: setting raw power state of %d: %w", id, err)
	}

	return nil
}

// LinkAll points relation of every entity in ids at target, replacing any
// previous target.
func (o ops) LinkAll(ctx context.Context, relation string, target int64, ids []int64) error {
	for _, id := range ids {
		if _, err := o.q.ExecContext(ctx, sqlDeleteRelation, id, relation); err != nil {
			return fmt.Errorf("inventory: clearing %s link of %d: %w", relation, id, err)
		}

		if _, err := o.q.ExecContext(ctx, sqlInsertLink, id, relation, target, 0); err != nil {
			return fmt.Errorf("inventory: linking %d %s -> %d: %w", id, relation, target, err)
		}
	}

	return nil
}

// Unlink removes every target of relation from entity id.
func (o ops) Unlink(ctx context.Context, id int64, relation string) error {
	if _, err := o.q.ExecContext(ctx, sqlDeleteRelation, id, relation); err != nil {
		return fmt.Errorf("inventory: clearing %s link of %d: %w", relation, id, err)
	}

	return nil
}

// Disconnect releases provider ownership of an entity and detaches it from
// its host. History (attributes, lineage, other links) is kept.
func (o ops) Disconnect(ctx context.Context, id int64) error {
	now := o.now()

	if _, err := o.q.ExecContext(ctx, sqlDisconnect, now, now, id); err != nil {
		return fmt.Errorf("inventory: disconnecting %d: %w", id, err)
	}

	return o.Unlink(ctx, id, RelationHost)
}

// DisconnectHost detaches an entity from its host only; ownership stays.
func (o ops) DisconnectHost(ctx context.Context, id int64) error {
	return o.Unlink(ctx, id, RelationHost)
}

// DisconnectProvider disconnects every entity owned by emsID and returns how
// many were released.
func (o ops) DisconnectProvider(ctx context.Context, emsID int64) (int, error) {
	ids, err := o.queryIDs(ctx, `SELECT id FROM entities WHERE ems_id = ? ORDER BY id`, emsID)
	if err != nil {
		return 0, fmt.Errorf("inventory: listing entities of provider %d: %w", emsID, err)
	}

	for _, id := range ids {
		if err := o.Disconnect(ctx, id); err != nil {
			return 0, err
		}
	}

	return len(ids), nil
}

// Get returns the entity with id, or ErrNotFound.
func (o ops) Get(ctx context.Context, id int64) (*Entity, error) {
	got, err := o.GetMany(ctx, []int64{id})
	if err != nil {
		return nil, err
	}

	e, ok := got[id]
	if !ok {
		return nil, fmt.Errorf("inventory: entity %d: %w", id, ErrNotFound)
	}

	return e, nil
}

// GetMany returns the entities with the given ids, keyed by id. Missing ids
// are simply absent from the result.
func (o ops) GetMany(ctx context.Context, ids []int64) (map[int64]*Entity, error) {
	out := make(map[int64]*Entity, len(ids))

	for _, part := range chunk(ids) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}

		found, err := o.queryEntities(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders(len(part))+`) ORDER BY id`,
			args...)
		if err != nil {
			return nil, err
		}

		for _, e := range found {
			out[e.ID] = e
		}
	}

	return out, nil
}

// ListOwned returns the entities of collection owned by emsID, ordered by id.
func (o ops) ListOwned(ctx context.Context, collection string, emsID int64) ([]*Entity, error) {
	return o.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE collection = ? AND ems_id = ? ORDER BY id`,
		collection, emsID)
}

// ListLinked returns the entities of collection whose relation points at
// target, ordered by id.
func (o ops) ListLinked(ctx context.Context, collection, relation string, target int64) ([]*Entity, error) {
	return o.queryEntities(ctx,
		`SELECT `+prefixed("e", entityColumns)+` FROM entities e
		 JOIN entity_links l ON l.entity_id = e.id
		 WHERE e.collection = ? AND l.relation = ? AND l.target_id = ?
		 ORDER BY e.id`,
		collection, relation, target)
}

// keyColumns are the natural key columns FindByKey accepts.
var keyColumns = map[string]bool{"ems_ref": true, "uid_ems": true, "name": true}

// FindByKey bulk-fetches entities of collection, across all providers, whose
// natural key column matches any of values. Ordered by id.
func (o ops) FindByKey(ctx context.Context, collection, column string, values []string) ([]*Entity, error) {
	if !keyColumns[column] {
		return nil, fmt.Errorf("inventory: %q is not a natural key column", column)
	}

	uniq := dedupe(values)

	var out []*Entity

	for start := 0; start < len(uniq); start += maxBindVars {
		end := min(start+maxBindVars, len(uniq))
		part := uniq[start:end]

		args := make([]any, 0, len(part)+1)
		args = append(args, collection)

		for _, v := range part {
			args = append(args, v)
		}

		found, err := o.queryEntities(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE collection = ? AND `+column+
				` IN (`+placeholders(len(part))+`) ORDER BY id`,
			args...)
		if err != nil {
			return nil, err
		}

		out = append(out, found...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// ListFilter narrows List.
type ListFilter struct {
	EMSID               int64  // 0 = any provider
	Collection          string // "" = every collection
	IncludeDisconnected bool
}

// List returns entities matching f, ordered by collection then id.
func (o ops) List(ctx context.Context, f ListFilter) ([]*Entity, error) {
	var (
		where []string
		args  []any
	)

	if f.EMSID != 0 {
		where = append(where, "ems_id = ?")
		args = append(args, f.EMSID)
	}

	if f.Collection != "" {
		where = append(where, "collection = ?")
		args = append(args, f.Collection)
	}

	if !f.IncludeDisconnected {
		where = append(where, "disconnected_at IS NULL")
	}

	q := `SELECT ` + entityColumns + ` FROM entities`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}

	q += ` ORDER BY collection, id`

	return o.queryEntities(ctx, q, args...)
}

func (o ops) queryEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	out, err := o.scanEntities(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*Entity, len(out))
	for _, e := range out {
		byID[e.ID] = e
	}

	// Rows are closed by now; the store runs on a single connection.
	if err := o.loadLinks(ctx, byID); err != nil {
		return nil, err
	}

	return out, nil
}

func (o ops) scanEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inventory: querying entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory: iterating entities: %w", err)
	}

	return out, nil
}

func (o ops) loadLinks(ctx context.Context, byID map[int64]*Entity) error {
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, part := range chunk(ids) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}

		rows, err := o.q.QueryContext(ctx,
			`SELECT entity_id, relation, target_id FROM entity_links
			 WHERE entity_id IN (`+placeholders(len(part))+`)
			 ORDER BY entity_id, relation, position`, args...)
		if err != nil {
			return fmt.Errorf("inventory: querying links: %w", err)
		}

		for rows.Next() {
			var (
				id, target int64
				rel        string
			)

			if err := rows.Scan(&id, &rel, &target); err != nil {
				rows.Close()
				return fmt.Errorf("inventory: scanning link: %w", err)
			}

			e := byID[id]
			e.Links[rel] = append(e.Links[rel], target)
		}

		err = rows.Err()
		rows.Close()

		if err != nil {
			return fmt.Errorf("inventory: iterating links: %w", err)
		}
	}

	return nil
}

func (o ops) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanEntity(rows *sql.Rows) (*Entity, error) {
	var (
		e            Entity
		emsID        sql.NullInt64
		emsRef       sql.NullString
		uidEMS       sql.NullString
		name         sql.NullString
		powerState   sql.NullString
		attrs        string
		disconnected sql.NullInt64
	)

	err := rows.Scan(
		&e.ID, &e.Collection, &e.Type, &emsID, &emsRef, &uidEMS, &name,
		&powerState, &attrs, &e.CreatedAt, &e.UpdatedAt, &disconnected,
	)
	if err != nil {
		return nil, fmt.Errorf("inventory: scanning entity row: %w", err)
	}

	e.EMSID = emsID.Int64
	e.EMSRef = emsRef.String
	e.UIDEMS = uidEMS.String
	e.Name = name.String
	e.RawPowerState = powerState.String
	e.DisconnectedAt = disconnected.Int64
	e.Links = make(map[string][]int64)

	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("inventory: decoding attributes of %d: %w", e.ID, err)
	}

	e.Attributes = decoded

	return &e, nil
}

// decodeAttributes keeps integral JSON numbers as int64 so attributes read
// back compare equal to the snapshot values they were written from.
func decodeAttributes(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		return nil, err
	}

	if attrs == nil {
		attrs = make(map[string]any)
	}

	for k, v := range attrs {
		attrs[k] = fromJSONNumber(v)
	}

	return attrs, nil
}

func fromJSONNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}

		f, _ := t.Float64()

		return f
	case []any:
		for i, e := range t {
			t[i] = fromJSONNumber(e)
		}

		return t
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSONNumber(e)
		}

		return t
	default:
		return v
	}
}

// ErrUnencodable is returned when an attribute value cannot be stored.
var ErrUnencodable = errors.New("inventory: attribute not encodable")

func encodeAttributes(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}

	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnencodable, err)
	}

	return string(b), nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}

	return strings.Join(parts, ", ")
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))

	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}

		seen[v] = true
		out = append(out, v)
	}

	return out
}
