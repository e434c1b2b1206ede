package rvf

import (
	"bytes"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/refine-digital/agentdb/internal/errs"
)

// witnessHashSize is the SHAKE-256 output length used for both the
// prev-hash and payload-hash fields of a witness entry.
const witnessHashSize = 32

// WitnessEntrySize is the fixed on-disk size of a single witness entry:
// 1-byte op tag, 32-byte prev-hash, 32-byte payload-hash, 8-byte epoch.
const WitnessEntrySize = 1 + witnessHashSize + witnessHashSize + 8

// Op tags a mutation recorded in the witness chain. OpDerive is an internal
// addition: the derive-seed genesis entry rooting a child chain in its
// parent's history carries no mutation payload but still needs a link.
type Op byte

const (
	OpInsert     Op = 1
	OpRemove     Op = 2
	OpCompact    Op = 3
	OpDerive     Op = 4
	OpBatch      Op = 6
	OpTrain      Op = 7
	OpAcceptance Op = 8
)

// WitnessEntry is one link of the append-only hash chain. Every mutation to
// a store produces exactly one entry; the chain's terminal hash is the
// cryptographic summary of everything that has ever happened to the store.
type WitnessEntry struct {
	Op          Op
	PrevHash    [witnessHashSize]byte
	PayloadHash [witnessHashSize]byte
	Epoch       uint64
}

// Marshal encodes the entry into its fixed 73-byte wire form.
func (e WitnessEntry) Marshal() []byte {
	buf := make([]byte, WitnessEntrySize)
	buf[0] = byte(e.Op)
	copy(buf[1:1+witnessHashSize], e.PrevHash[:])
	copy(buf[1+witnessHashSize:1+2*witnessHashSize], e.PayloadHash[:])
	binary.BigEndian.PutUint64(buf[1+2*witnessHashSize:], e.Epoch)
	return buf
}

// UnmarshalWitnessEntry decodes a fixed 73-byte wire entry.
func UnmarshalWitnessEntry(buf []byte) (WitnessEntry, error) {
	if len(buf) != WitnessEntrySize {
		return WitnessEntry{}, errs.Integrity("rvf.UnmarshalWitnessEntry", "expected %d bytes, got %d", WitnessEntrySize, len(buf))
	}
	var e WitnessEntry
	e.Op = Op(buf[0])
	copy(e.PrevHash[:], buf[1:1+witnessHashSize])
	copy(e.PayloadHash[:], buf[1+witnessHashSize:1+2*witnessHashSize])
	e.Epoch = binary.BigEndian.Uint64(buf[1+2*witnessHashSize:])
	return e, nil
}

// hashPayload computes the SHAKE-256 digest of arbitrary payload bytes,
// truncated to witnessHashSize.
func hashPayload(payload []byte) [witnessHashSize]byte {
	var out [witnessHashSize]byte
	sha3.ShakeSum256(out[:], payload)
	return out
}

// WitnessChain is an append-only, hash-chained log of mutations applied to
// a store. Each entry's PrevHash is the PayloadHash-folded hash of the
// entry before it, so altering any historical entry invalidates every
// entry after it.
type WitnessChain struct {
	mu      sync.Mutex
	entries []WitnessEntry
	epoch   uint64
}

// NewWitnessChain returns a chain rooted in a parent's terminal hash, used
// by Derive. The genesis entry is an OpDerive marker whose payload hash is
// the parent's terminal hash and whose epoch records the child's lineage
// depth, so depth survives save/load without a separate header field.
func NewWitnessChain(seed [witnessHashSize]byte, depth int) *WitnessChain {
	if depth < 1 {
		depth = 1
	}
	return &WitnessChain{
		entries: []WitnessEntry{{
			Op:          OpDerive,
			PrevHash:    [witnessHashSize]byte{},
			PayloadHash: seed,
			Epoch:       uint64(depth),
		}},
		epoch: uint64(depth) + 1,
	}
}

// NewRootWitnessChain returns an empty chain rooted at the zero hash.
func NewRootWitnessChain() *WitnessChain {
	return &WitnessChain{entries: nil}
}

// Append folds payload into the chain and returns the new entry.
func (c *WitnessChain) Append(op Op, payload []byte) WitnessEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.terminalHashLocked()
	entry := WitnessEntry{
		Op:          op,
		PrevHash:    prev,
		PayloadHash: hashPayload(payload),
		Epoch:       c.epoch,
	}
	c.epoch++
	c.entries = append(c.entries, entry)
	return entry
}

// TerminalHash returns the hash that a subsequent Append would chain from.
func (c *WitnessChain) TerminalHash() [witnessHashSize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalHashLocked()
}

func (c *WitnessChain) terminalHashLocked() [witnessHashSize]byte {
	if len(c.entries) == 0 {
		return [witnessHashSize]byte{}
	}
	last := c.entries[len(c.entries)-1]
	folded := append(append([]byte{}, last.PrevHash[:]...), last.PayloadHash[:]...)
	return hashPayload(folded)
}

// Len returns the number of entries recorded.
func (c *WitnessChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Verify walks the whole chain from the zero genesis hash and confirms
// every entry's PrevHash matches the fold of the entry before it, and that
// epochs increase by exactly one. Returns the index of the first broken
// link, or -1 if the chain is intact. A tampered payload hash surfaces at
// the entry after it (the link that no longer chains); a tampered terminal
// payload is only detectable against an externally held terminal hash.
func (c *WitnessChain) Verify() (brokenAt int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var running [witnessHashSize]byte
	for i, e := range c.entries {
		if !bytes.Equal(e.PrevHash[:], running[:]) {
			return i, errs.Integrity("rvf.WitnessChain.Verify", "entry %d: prev-hash does not chain from the entry before it", i)
		}
		if i > 0 && e.Epoch != c.entries[i-1].Epoch+1 {
			return i, errs.Integrity("rvf.WitnessChain.Verify", "entry %d: epoch %d does not follow %d", i, e.Epoch, c.entries[i-1].Epoch)
		}
		folded := append(append([]byte{}, e.PrevHash[:]...), e.PayloadHash[:]...)
		running = hashPayload(folded)
	}
	return -1, nil
}

// Entries returns a defensive copy of the recorded entries, oldest first.
func (c *WitnessChain) Entries() []WitnessEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WitnessEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// MarshalBinary encodes the full chain as a sequence of fixed-size entries.
func (c *WitnessChain) MarshalBinary() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, len(c.entries)*WitnessEntrySize)
	for _, e := range c.entries {
		buf = append(buf, e.Marshal()...)
	}
	return buf
}

// UnmarshalWitnessChain decodes a sequence of fixed-size entries produced
// by MarshalBinary.
func UnmarshalWitnessChain(buf []byte) (*WitnessChain, error) {
	if len(buf)%WitnessEntrySize != 0 {
		return nil, errs.Integrity("rvf.UnmarshalWitnessChain", "witness block size %d is not a multiple of %d", len(buf), WitnessEntrySize)
	}
	n := len(buf) / WitnessEntrySize
	c := &WitnessChain{entries: make([]WitnessEntry, 0, n)}
	for i := 0; i < n; i++ {
		entry, err := UnmarshalWitnessEntry(buf[i*WitnessEntrySize : (i+1)*WitnessEntrySize])
		if err != nil {
			return nil, err
		}
		c.entries = append(c.entries, entry)
		if entry.Epoch >= c.epoch {
			c.epoch = entry.Epoch + 1
		}
	}
	return c, nil
}
