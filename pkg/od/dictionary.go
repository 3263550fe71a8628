package od

import (
	"encoding/binary"
	"sort"
)

// Dictionary is an ordered sequence of entries sorted by (index, subindex)
// ascending, looked up by binary search. Entries are added during a
// dynamic-build phase at node init; Freeze locks that phase so later
// writers can only reach entries through the accessors below, which route
// through each entry's type hook.
type Dictionary struct {
	nodeID  uint8
	entries []*Entry
	frozen  bool
}

// New returns an empty Dictionary for the given node-ID, used to resolve
// node-ID-relative entries in ReadValue/WriteValue.
func New(nodeID uint8) *Dictionary {
	return &Dictionary{nodeID: nodeID}
}

// NodeID returns the node-ID this dictionary was built for.
func (d *Dictionary) NodeID() uint8 { return d.nodeID }

// Len returns the number of entries currently in the dictionary.
func (d *Dictionary) Len() int { return len(d.entries) }

// All returns the entries in sorted order. The returned slice is owned by
// the dictionary and must not be mutated.
func (d *Dictionary) All() []*Entry { return d.entries }

func (d *Dictionary) search(dev uint32) int {
	return sort.Search(len(d.entries), func(i int) bool {
		return uint32(d.entries[i].Key.dev()) >= dev
	})
}

// Add inserts e, keeping entries sorted by (index, subindex). It fails once
// the dictionary has been frozen, or if an entry already exists at e's
// (index, subindex).
func (d *Dictionary) Add(e *Entry) error {
	if d.frozen {
		return ErrFrozen
	}
	dev := uint32(e.Key.dev())
	i := d.search(dev)
	if i < len(d.entries) && uint32(d.entries[i].Key.dev()) == dev {
		return ErrDuplicate
	}
	d.entries = append(d.entries, nil)
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = e
	return nil
}

// Find looks up the entry at (index, subindex), O(log n) over the sorted
// entries.
func (d *Dictionary) Find(index uint16, subindex uint8) (*Entry, bool) {
	dev := uint32(MakeKey(index, subindex, 0).dev())
	i := d.search(dev)
	if i < len(d.entries) && uint32(d.entries[i].Key.dev()) == dev {
		return d.entries[i], true
	}
	return nil, false
}

// Freeze ends the dynamic-build phase. After Freeze, Add always fails;
// entry contents may still change through the Read*/Write* accessors,
// which is how a running node's SDO server and PDO engine update values.
func (d *Dictionary) Freeze() { d.frozen = true }

// size returns e's current encoded length in bytes: from its type hook if
// it has one, otherwise from the key's size class.
func (d *Dictionary) size(e *Entry) (uint32, error) {
	if e.Type != nil {
		return e.Type.Size(e, 0)
	}
	return e.Key.SizeClass(), nil
}

// readAt copies up to len(dst) bytes of e's value starting at offset,
// through e's type hook if it has one, or directly from its raw data field
// sized to the key's size class otherwise.
func (d *Dictionary) readAt(e *Entry, dst []byte, offset uint32) (int, error) {
	if e.Type != nil {
		return e.Type.Read(e, dst, offset)
	}
	if int(offset) > len(e.data) {
		return 0, ErrDataShort
	}
	return copy(dst, e.data[offset:]), nil
}

// writeAt stores src at offset in e's value, through e's type hook if it
// has one, or directly into its raw data field sized to the key's size
// class otherwise.
func (d *Dictionary) writeAt(e *Entry, src []byte, offset uint32) error {
	if e.Type != nil {
		return e.Type.Write(e, src, offset)
	}
	size := int(e.Key.SizeClass())
	end := int(offset) + len(src)
	if end > size {
		return ErrDataLong
	}
	if len(e.data) < size {
		grown := make([]byte, size)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[offset:], src)
	return nil
}

// ReadBufferStart begins a streamed read of e for segmented or block SDO
// upload: it sizes dst's expected total length and copies the first chunk
// starting at offset 0. The returned total is the authoritative transfer
// size a server reports back to the client.
func (d *Dictionary) ReadBufferStart(e *Entry, dst []byte) (n int, total uint32, err error) {
	if !e.Key.Readable() {
		return 0, 0, ErrWriteOnly
	}
	total, err = d.size(e)
	if err != nil {
		return 0, 0, err
	}
	n, err = d.readAt(e, dst, 0)
	return n, total, err
}

// ReadBufferContinue reads the next chunk of a streamed read started by
// ReadBufferStart, at the given byte offset into e's value.
func (d *Dictionary) ReadBufferContinue(e *Entry, dst []byte, offset uint32) (int, error) {
	if !e.Key.Readable() {
		return 0, ErrWriteOnly
	}
	return d.readAt(e, dst, offset)
}

// WriteBufferStart begins a streamed write of e for segmented or block SDO
// download: sizeHint is the total size announced by the client, used by
// variable-length types to pre-size storage. The first chunk is written at
// offset 0.
func (d *Dictionary) WriteBufferStart(e *Entry, src []byte, sizeHint uint32) error {
	if !e.Key.Writable() {
		return ErrReadOnly
	}
	if e.Type != nil {
		if _, err := e.Type.Size(e, sizeHint); err != nil {
			return err
		}
	}
	return d.writeAt(e, src, 0)
}

// WriteBufferContinue writes the next chunk of a streamed write started by
// WriteBufferStart, at the given byte offset into e's value.
func (d *Dictionary) WriteBufferContinue(e *Entry, src []byte, offset uint32) error {
	if !e.Key.Writable() {
		return ErrReadOnly
	}
	return d.writeAt(e, src, offset)
}

// ReadValue reads e's full value into out, which must be exactly width
// bytes — the entry's current encoded size. If e is node-ID-relative, the
// dictionary's node-ID is added back into the decoded value, turning a
// stored offset (as parsed from EDS) into the absolute COB-ID or similar
// a caller expects.
func (d *Dictionary) ReadValue(e *Entry, out []byte, width int) error {
	if !e.Key.Readable() {
		return ErrWriteOnly
	}
	size, err := d.size(e)
	if err != nil {
		return err
	}
	if uint32(width) != size {
		return ErrDataShort
	}
	n, err := d.readAt(e, out, 0)
	if err != nil {
		return err
	}
	if n != width {
		return ErrDataShort
	}
	if e.Key.IsNodeIDRelative() {
		addNodeID(out[:width], d.nodeID)
	}
	return nil
}

// WriteValue writes in as e's full value, which must be exactly width
// bytes. If e is node-ID-relative, the dictionary's node-ID is subtracted
// before storing, so ReadValue's addition round-trips.
func (d *Dictionary) WriteValue(e *Entry, in []byte, width int) error {
	if !e.Key.Writable() {
		return ErrReadOnly
	}
	size, err := d.size(e)
	if err != nil {
		return err
	}
	if uint32(width) != size {
		return ErrDataShort
	}
	buf := make([]byte, width)
	copy(buf, in)
	if e.Key.IsNodeIDRelative() {
		subNodeID(buf, d.nodeID)
	}
	return d.writeAt(e, buf, 0)
}

// Compare reports whether e's current value equals candidate, used to skip
// redundant PDO/EMCY change triggers on a write that doesn't actually
// change anything.
func (d *Dictionary) Compare(e *Entry, candidate []byte) bool {
	size, err := d.size(e)
	if err != nil || uint32(len(candidate)) != size {
		return false
	}
	buf := make([]byte, size)
	n, err := d.readAt(e, buf, 0)
	if err != nil || uint32(n) != size {
		return false
	}
	for i := range buf {
		if buf[i] != candidate[i] {
			return false
		}
	}
	return true
}

// ReadU8 reads a one-byte value by (index, subindex).
func (d *Dictionary) ReadU8(index uint16, subindex uint8) (uint8, error) {
	e, ok := d.Find(index, subindex)
	if !ok {
		return 0, ErrNotFound
	}
	var buf [1]byte
	if err := d.ReadValue(e, buf[:], 1); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU16 reads a little-endian two-byte value by (index, subindex).
func (d *Dictionary) ReadU16(index uint16, subindex uint8) (uint16, error) {
	e, ok := d.Find(index, subindex)
	if !ok {
		return 0, ErrNotFound
	}
	var buf [2]byte
	if err := d.ReadValue(e, buf[:], 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a little-endian four-byte value by (index, subindex).
func (d *Dictionary) ReadU32(index uint16, subindex uint8) (uint32, error) {
	e, ok := d.Find(index, subindex)
	if !ok {
		return 0, ErrNotFound
	}
	var buf [4]byte
	if err := d.ReadValue(e, buf[:], 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU8 writes a one-byte value by (index, subindex).
func (d *Dictionary) WriteU8(index uint16, subindex uint8, v uint8) error {
	e, ok := d.Find(index, subindex)
	if !ok {
		return ErrNotFound
	}
	return d.WriteValue(e, []byte{v}, 1)
}

// WriteU16 writes a little-endian two-byte value by (index, subindex).
func (d *Dictionary) WriteU16(index uint16, subindex uint8, v uint16) error {
	e, ok := d.Find(index, subindex)
	if !ok {
		return ErrNotFound
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return d.WriteValue(e, buf[:], 2)
}

// WriteU32 writes a little-endian four-byte value by (index, subindex).
func (d *Dictionary) WriteU32(index uint16, subindex uint8, v uint32) error {
	e, ok := d.Find(index, subindex)
	if !ok {
		return ErrNotFound
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return d.WriteValue(e, buf[:], 4)
}

func addNodeID(b []byte, nodeID uint8) {
	v := decodeUint(b)
	v += uint64(nodeID)
	encodeUint(b, v)
}

func subNodeID(b []byte, nodeID uint8) {
	v := decodeUint(b)
	v -= uint64(nodeID)
	encodeUint(b, v)
}

func decodeUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

func encodeUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}
