package rvf

import (
	"io"
	"os"

	"github.com/refine-digital/agentdb/internal/errs"
)

// Derive creates a copy-on-write child store at childPath, rooted in this
// store's current witness-chain terminal hash rather than the zero hash.
// The child starts as a byte-for-byte copy of this store's saved file; the
// parent is flushed and saved first so the copy reflects buffered writes.
func (s *Store) Derive(childPath string) (*Store, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.Lifecycle("rvf.Derive", "store is closed")
	}
	if err := s.flushLocked(nil); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.saveLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	seed := s.witness.TerminalHash()
	depth := s.lineageDepthLocked() + 1
	parentPath := s.opts.Path
	childOpts := s.opts
	s.mu.Unlock()

	if err := copyFile(parentPath, childPath); err != nil {
		return nil, errs.Storage("rvf.Derive", err)
	}

	childOpts.Path = childPath
	child, err := Open(childOpts)
	if err != nil {
		return nil, err
	}

	// Replace the copied parent chain with a fresh one rooted in the
	// parent's terminal hash, and persist so a reopen of the child file sees
	// the child's chain, not the parent's.
	child.mu.Lock()
	child.witness = NewWitnessChain(seed, depth)
	err = child.saveLocked()
	child.mu.Unlock()
	if err != nil {
		_ = child.Close()
		return nil, err
	}

	return child, nil
}

// LineageDepth reports how many Derive hops separate this store from a root
// store. The depth is carried in the OpDerive genesis entry's epoch, so it
// survives save/load and further derives.
func (s *Store) LineageDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lineageDepthLocked()
}

func (s *Store) lineageDepthLocked() int {
	entries := s.witness.Entries()
	if len(entries) > 0 && entries[0].Op == OpDerive {
		return int(entries[0].Epoch)
	}
	return 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst + ".tmp")
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst + ".tmp")
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst + ".tmp")
		return err
	}

	return os.Rename(dst+".tmp", dst)
}
