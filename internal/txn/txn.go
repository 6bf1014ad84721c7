// Package txn implements the Transaction Overlay (spec §4.5): the staging
// buffer installed on top of the Engine while a transaction is active. It
// is deliberately composed into the Engine rather than being a subclass
// of the Index — spec §9's "Overlay merging" design note — so the Index
// stays free of any transaction awareness. Naming loosely follows the
// retrieval pack's own dborchard-tiny-txn Transaction interface (Set/Del,
// with Lookup in place of Get), adapted to spec's Begin/Abort vocabulary
// and single-writer (no MVCC timestamp) semantics; commit itself is
// driven by Engine.Commit through Journal and Reset.
package txn

import (
	"bytes"
	"errors"

	"github.com/arjunsk/kvlogdb/internal/storage"
	"golang.org/x/exp/slices"
)

var (
	// ErrAlreadyInTransaction is returned by Begin when a transaction is
	// already active.
	ErrAlreadyInTransaction = errors.New("txn: nested transactions not supported")
	// ErrNoActiveTransaction is returned by Commit/Abort when no
	// transaction is active.
	ErrNoActiveTransaction = errors.New("txn: no active transaction")
)

// State is the overlay's position in the spec §4.5 state machine.
type State int

const (
	NoTx State = iota
	InTx
)

// TTLAction is the pending TTL outcome recorded for a key inside a
// transaction, superseding base TTL state for that key until commit.
type TTLAction int

const (
	TTLActionNone TTLAction = iota
	TTLActionSet
	TTLActionClear
)

type shadowEntry struct {
	tombstone   bool
	value       []byte
	ttlAction   TTLAction
	expiresAtMs int64
}

// ShadowEntry is a read-only snapshot of one key's pending effect,
// returned by Lookup for the Engine to interpret.
type ShadowEntry struct {
	Tombstone   bool
	Value       []byte
	HasValue    bool
	TTLAction   TTLAction
	ExpiresAtMs int64
}

// Overlay is the per-session staging buffer: an append-ordered journal of
// records destined for the Log at commit, plus a shadow map coalescing
// each key's latest pending effect for reads.
type Overlay struct {
	state   State
	journal []storage.Record
	shadow  map[string]*shadowEntry
}

// New returns an overlay in the NO_TX state.
func New() *Overlay {
	return &Overlay{shadow: make(map[string]*shadowEntry)}
}

// Active reports whether a transaction is currently open.
func (o *Overlay) Active() bool { return o.state == InTx }

// Begin transitions NO_TX -> IN_TX.
func (o *Overlay) Begin() error {
	if o.state == InTx {
		return ErrAlreadyInTransaction
	}
	o.state = InTx
	o.journal = nil
	o.shadow = make(map[string]*shadowEntry)
	return nil
}

func (o *Overlay) entry(key []byte) *shadowEntry {
	k := string(key)
	e, ok := o.shadow[k]
	if !ok {
		e = &shadowEntry{}
		o.shadow[k] = e
	}
	return e
}

// Set stages a SET, coalescing any prior pending effect for key: the
// value wins and, per spec's SET-clears-TTL rule (§4.4 rationale), any
// pending TTL action for key is cleared too.
func (o *Overlay) Set(key, value []byte) error {
	if o.state != InTx {
		return ErrNoActiveTransaction
	}
	o.journal = append(o.journal, storage.Record{Tag: storage.TagSet, Key: key, Value: value})
	e := o.entry(key)
	e.tombstone = false
	e.value = cloneBytes(value)
	e.ttlAction = TTLActionClear
	e.expiresAtMs = 0
	return nil
}

// Del stages a DEL: the key is tombstoned and any TTL for it is cleared.
func (o *Overlay) Del(key []byte) error {
	if o.state != InTx {
		return ErrNoActiveTransaction
	}
	o.journal = append(o.journal, storage.Record{Tag: storage.TagDel, Key: key})
	e := o.entry(key)
	e.tombstone = true
	e.value = nil
	e.ttlAction = TTLActionClear
	e.expiresAtMs = 0
	return nil
}

// ExpireAt stages an EXPIREAT: the key's TTL action is (re)established,
// leaving any pending value/tombstone for key untouched.
func (o *Overlay) ExpireAt(key []byte, expiresAtMs int64) error {
	if o.state != InTx {
		return ErrNoActiveTransaction
	}
	o.journal = append(o.journal, storage.Record{Tag: storage.TagExpireAt, Key: key, ExpiresAtMs: expiresAtMs})
	e := o.entry(key)
	e.ttlAction = TTLActionSet
	e.expiresAtMs = expiresAtMs
	return nil
}

// Persist stages a PERSIST: the key's TTL action becomes "clear".
func (o *Overlay) Persist(key []byte) error {
	if o.state != InTx {
		return ErrNoActiveTransaction
	}
	o.journal = append(o.journal, storage.Record{Tag: storage.TagPersist, Key: key})
	e := o.entry(key)
	e.ttlAction = TTLActionClear
	e.expiresAtMs = 0
	return nil
}

// Lookup returns key's pending shadow effect, if any. found is false when
// the overlay has never staged anything for key, in which case the
// caller should consult base engine state unmodified.
func (o *Overlay) Lookup(key []byte) (ShadowEntry, bool) {
	e, ok := o.shadow[string(key)]
	if !ok {
		return ShadowEntry{}, false
	}
	return ShadowEntry{
		Tombstone:   e.tombstone,
		Value:       e.value,
		HasValue:    e.value != nil,
		TTLAction:   e.ttlAction,
		ExpiresAtMs: e.expiresAtMs,
	}, true
}

// Journal returns the pending records to be appended at commit, in issue
// order.
func (o *Overlay) Journal() []storage.Record { return o.journal }

// SortedKeysInRange returns the shadow's keys within [lo, hi] (either
// bound nil for open-ended), ascending, for Engine.Range's merge-join
// against the base index iterator.
func (o *Overlay) SortedKeysInRange(lo, hi []byte) []string {
	keys := make([]string, 0, len(o.shadow))
	for k := range o.shadow {
		kb := []byte(k)
		if lo != nil && bytes.Compare(kb, lo) < 0 {
			continue
		}
		if hi != nil && bytes.Compare(kb, hi) > 0 {
			continue
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
	return keys
}

// Reset clears the overlay back to NO_TX with no pending state.
func (o *Overlay) Reset() {
	o.state = NoTx
	o.journal = nil
	o.shadow = make(map[string]*shadowEntry)
}

// Abort discards the overlay without touching the Log.
func (o *Overlay) Abort() error {
	if o.state != InTx {
		return ErrNoActiveTransaction
	}
	o.Reset()
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
