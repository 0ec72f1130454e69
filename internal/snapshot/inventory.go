package snapshot

// TagMapperKey is the top-level key that carries tag-resolution data.
const TagMapperKey = "tag_mapper"

// Inventory is the full snapshot for one provider: one batch of records per
// collection name plus optional tags to resolve before entities are saved.
type Inventory struct {
	batches       map[string][]*Record
	order         []string
	TagsToResolve []*Record
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{batches: make(map[string][]*Record)}
}

// Add sets the batch for collection. A nil slice still marks the collection
// present, meaning "the provider reports none of these".
func (inv *Inventory) Add(collection string, records ...*Record) *Inventory {
	if inv.batches == nil {
		inv.batches = make(map[string][]*Record)
	}

	if _, ok := inv.batches[collection]; !ok {
		inv.order = append(inv.order, collection)
	}

	if records == nil {
		records = []*Record{}
	}

	inv.batches[collection] = records

	return inv
}

// Batch returns the records for collection and whether the collection was
// present at all. Absent and empty are distinct: an empty batch disconnects,
// an absent one is left alone.
func (inv *Inventory) Batch(collection string) ([]*Record, bool) {
	if inv == nil {
		return nil, false
	}

	b, ok := inv.batches[collection]

	return b, ok
}

// Collections returns the collection names in the order they were added.
func (inv *Inventory) Collections() []string {
	if inv == nil {
		return nil
	}

	out := make([]string, len(inv.order))
	copy(out, inv.order)

	return out
}

// Empty reports whether the inventory carries no collections and no tags.
func (inv *Inventory) Empty() bool {
	return inv == nil || (len(inv.batches) == 0 && len(inv.TagsToResolve) == 0)
}

// Len returns the total number of records across all batches.
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}

	n := 0
	for _, b := range inv.batches {
		n += len(b)
	}

	return n
}

// Merge adds every batch of other into inv. Batches for the same collection
// are concatenated in argument order.
func (inv *Inventory) Merge(other *Inventory) {
	if other == nil {
		return
	}

	for _, c := range other.order {
		existing := inv.batches[c]
		inv.Add(c, append(existing, other.batches[c]...)...)
	}

	inv.TagsToResolve = append(inv.TagsToResolve, other.TagsToResolve...)
}

// Summary returns per-collection record counts.
func (inv *Inventory) Summary() map[string]int {
	out := make(map[string]int, len(inv.order))
	for _, c := range inv.order {
		out[c] = len(inv.batches[c])
	}

	return out
}
