package snapshot

// Backup holds attributes stripped from a record before it is written to
// the store. Only keys that were actually present are remembered, so a
// restore never introduces attributes the record did not have.
type Backup struct {
	keys []string
	vals map[string]any
}

// Strip removes keys from rec and returns them in a Backup. Keys that are
// absent are ignored.
func Strip(rec *Record, keys []string) Backup {
	b := Backup{vals: make(map[string]any, len(keys))}

	for _, k := range keys {
		v, ok := rec.Delete(k)
		if !ok {
			continue
		}

		b.keys = append(b.keys, k)
		b.vals[k] = v
	}

	return b
}

// Restore reattaches the stripped attributes to rec. Safe to call from a
// deferred function on the failure path.
func (b Backup) Restore(rec *Record) {
	if rec == nil {
		return
	}

	for _, k := range b.keys {
		rec.Set(k, b.vals[k])
	}
}

// Get returns a stripped attribute.
func (b Backup) Get(key string) (any, bool) {
	v, ok := b.vals[key]
	return v, ok
}

// Record returns a stripped nested record, or nil.
func (b Backup) Record(key string) *Record {
	v, _ := b.vals[key].(*Record)
	return v
}

// Records returns a stripped list of nested records.
func (b Backup) Records(key string) []*Record {
	tmp := NewRecord()
	if v, ok := b.vals[key]; ok {
		tmp.Set(key, v)
	}

	return tmp.Records(key)
}

// String returns a stripped scalar attribute as a string.
func (b Backup) String(key string) string {
	tmp := NewRecord()
	if v, ok := b.vals[key]; ok {
		tmp.Set(key, v)
	}

	return tmp.String(key)
}

// Len returns how many attributes were stripped.
func (b Backup) Len() int {
	return len(b.keys)
}
