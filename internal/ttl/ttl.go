// Package ttl implements the TTL table (spec §4.3): a point map from key
// to absolute expiration time, checked lazily on every access.
package ttl

// Status is the outcome of checking a key's TTL at a point in time.
type Status int

const (
	NoTTL Status = iota
	Alive
	Expired
)

// Table maps key to absolute expires-at (epoch milliseconds). It never
// removes a key from the Index itself — that is the Engine's job once it
// decides to materialize an expiry (spec invariant I2/I3).
type Table struct {
	expiresAt map[string]int64
}

// New returns an empty TTL table.
func New() *Table {
	return &Table{expiresAt: make(map[string]int64)}
}

// Set records an absolute expiration time for key, overwriting any prior
// one. Callers are responsible for the spec §4.3 rule that TTL may only be
// set on a key present in the Index — the table itself has no such
// visibility.
func (t *Table) Set(key string, expiresAtMs int64) {
	t.expiresAt[key] = expiresAtMs
}

// Clear removes key's TTL entry, if any. Idempotent.
func (t *Table) Clear(key string) {
	delete(t.expiresAt, key)
}

// Check reports key's TTL status as of now (epoch milliseconds), and the
// remaining milliseconds when Alive.
func (t *Table) Check(key string, nowMs int64) (Status, int64) {
	exp, ok := t.expiresAt[key]
	if !ok {
		return NoTTL, 0
	}
	remaining := exp - nowMs
	if remaining <= 0 {
		return Expired, 0
	}
	return Alive, remaining
}

// Len reports the number of keys currently carrying a TTL.
func (t *Table) Len() int { return len(t.expiresAt) }
