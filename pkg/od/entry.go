package od

// Entry is one object dictionary slot: an (index, subindex) key, the
// access flags packed into that key, a type hook and the raw bytes the
// type reads and writes. Most entries use a built-in Type (Unsigned32,
// Bytes, ...); entries with side effects (PDO reconfiguration, heartbeat
// rescheduling, ...) use a FuncType installed by the owning package at
// node wiring time.
type Entry struct {
	Key  Key
	Name string
	Type Type
	data []byte
}

// RawBytes returns the entry's current backing bytes. It is exposed for
// Type implementations and for diagnostics; callers driving SDO or PDO
// logic should go through Dictionary's Read*/Write* accessors instead, so
// node-ID relativity and type hooks stay in effect.
func (e *Entry) RawBytes() []byte { return e.data }
