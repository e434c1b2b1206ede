package rvf

import "testing"

func TestWitnessChainAppendChains(t *testing.T) {
	c := NewRootWitnessChain()
	e1 := c.Append(OpInsert, []byte("row-1"))
	e2 := c.Append(OpInsert, []byte("row-2"))

	if e2.PrevHash == [32]byte{} {
		t.Error("second entry's prev-hash should not be zero")
	}
	if e1.Epoch != 0 || e2.Epoch != 1 {
		t.Errorf("expected epochs 0,1; got %d,%d", e1.Epoch, e2.Epoch)
	}
	if c.Len() != 2 {
		t.Errorf("expected chain length 2, got %d", c.Len())
	}
}

func TestWitnessEntryMarshalRoundTrip(t *testing.T) {
	c := NewRootWitnessChain()
	entry := c.Append(OpInsert, []byte("payload"))

	buf := entry.Marshal()
	if len(buf) != WitnessEntrySize {
		t.Fatalf("expected %d bytes, got %d", WitnessEntrySize, len(buf))
	}

	decoded, err := UnmarshalWitnessEntry(buf)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Op != entry.Op || decoded.Epoch != entry.Epoch {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, entry)
	}
}

func TestWitnessChainMarshalBinaryRoundTrip(t *testing.T) {
	c := NewRootWitnessChain()
	c.Append(OpInsert, []byte("a"))
	c.Append(OpInsert, []byte("b"))
	c.Append(OpRemove, []byte("a"))

	buf := c.MarshalBinary()
	restored, err := UnmarshalWitnessChain(buf)
	if err != nil {
		t.Fatalf("unmarshal chain failed: %v", err)
	}
	if restored.Len() != c.Len() {
		t.Errorf("expected length %d, got %d", c.Len(), restored.Len())
	}
	if restored.TerminalHash() != c.TerminalHash() {
		t.Error("restored chain terminal hash does not match original")
	}
}

func TestWitnessChainVerifyDetectsTamper(t *testing.T) {
	c := NewRootWitnessChain()
	c.Append(OpInsert, []byte("a"))
	c.Append(OpInsert, []byte("b"))
	c.Append(OpRemove, []byte("a"))

	if broken, err := c.Verify(); err != nil {
		t.Fatalf("expected clean chain to verify, broke at %d: %v", broken, err)
	}

	// A flipped payload hash breaks the next entry's prev-hash link.
	c.entries[1].PayloadHash[0] ^= 0xFF
	if broken, err := c.Verify(); err == nil {
		t.Error("expected tampered chain to fail verification")
	} else if broken != 2 {
		t.Errorf("expected break reported at index 2, got %d", broken)
	}
}

func TestWitnessChainVerifyDetectsPrevHashTamperInPlace(t *testing.T) {
	c := NewRootWitnessChain()
	c.Append(OpInsert, []byte("a"))
	c.Append(OpInsert, []byte("b"))

	c.entries[1].PrevHash[3] ^= 0x01
	if broken, err := c.Verify(); err == nil {
		t.Error("expected tampered prev-hash to fail verification")
	} else if broken != 1 {
		t.Errorf("expected break reported at index 1, got %d", broken)
	}
}

func TestWitnessChainVerifyDetectsEpochTamper(t *testing.T) {
	c := NewRootWitnessChain()
	c.Append(OpInsert, []byte("a"))
	c.Append(OpInsert, []byte("b"))

	c.entries[1].Epoch = 7
	if broken, err := c.Verify(); err == nil {
		t.Error("expected tampered epoch to fail verification")
	} else if broken != 1 {
		t.Errorf("expected break reported at index 1, got %d", broken)
	}
}

func TestNewWitnessChainSeedsFromParent(t *testing.T) {
	parent := NewRootWitnessChain()
	parent.Append(OpInsert, []byte("x"))
	seed := parent.TerminalHash()

	child := NewWitnessChain(seed, 1)
	if child.Len() != 1 {
		t.Fatalf("expected seeded chain to start with one entry, got %d", child.Len())
	}
	if child.entries[0].PayloadHash != seed {
		t.Error("seeded chain's first payload hash should be the parent's terminal hash")
	}
	if child.entries[0].Epoch != 1 {
		t.Errorf("expected genesis epoch to record depth 1, got %d", child.entries[0].Epoch)
	}

	next := child.Append(OpInsert, []byte("y"))
	if next.Epoch != 2 {
		t.Errorf("expected first append after genesis to use epoch 2, got %d", next.Epoch)
	}
	if broken, err := child.Verify(); err != nil {
		t.Fatalf("expected seeded chain to verify, broke at %d: %v", broken, err)
	}
}
