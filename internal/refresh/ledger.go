package refresh

import (
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// ledgerKeys are the natural key attributes a cross-reference may be
// resolved by, in order of preference.
var ledgerKeys = []string{snapshot.KeyEMSRef, snapshot.KeyUIDEMS, snapshot.KeyName}

// ledger remembers the id assigned to every record saved in the run, so
// records of later collections can resolve their cross-references without
// the engine writing ids back into caller input.
//
// A nested reference is usually the very record saved earlier (snapshot
// aliases decode to one shared *Record); otherwise it is matched by natural
// key within the referenced collection.
type ledger struct {
	byRecord map[*snapshot.Record]int64
	byKey    map[string]map[string]int64
}

func newLedger() *ledger {
	return &ledger{
		byRecord: make(map[*snapshot.Record]int64),
		byKey:    make(map[string]map[string]int64),
	}
}

func (l *ledger) put(collection string, rec *snapshot.Record, id int64) {
	l.byRecord[rec] = id

	for _, k := range ledgerKeys {
		if v := rec.String(k); v != "" {
			l.putKey(collection, k, v, id)
		}
	}
}

func (l *ledger) putKey(collection, column, value string, id int64) {
	keys := l.byKey[collection]
	if keys == nil {
		keys = make(map[string]int64)
		l.byKey[collection] = keys
	}

	keys[column+"\x00"+value] = id
}

// get resolves ref against collection. The record itself wins, then an id
// carried by the reference, then its natural keys.
func (l *ledger) get(collection string, ref *snapshot.Record) (int64, bool) {
	if ref == nil {
		return 0, false
	}

	if id, ok := l.byRecord[ref]; ok {
		return id, true
	}

	if id, ok := ref.ID(); ok && id > 0 {
		return id, true
	}

	keys := l.byKey[collection]

	for _, k := range ledgerKeys {
		if v := ref.String(k); v != "" {
			if id, ok := keys[k+"\x00"+v]; ok {
				return id, true
			}
		}
	}

	return 0, false
}
