package engine

import (
	"fmt"
	"io"
)

// Check validates the structural invariants of the committed catalog and
// free-set trees, for cmd/trustyctl's fsck subcommand. It only inspects
// the last-committed roots — blocks touched by still-live transactions are
// not yet part of either tree's committed view.
func (e *Engine) Check() error {
	if err := e.store.Catalog.Check(); err != nil {
		return fmt.Errorf("engine: check: catalog: %w", err)
	}

	if err := e.freeSet.Tree().Check(); err != nil {
		return fmt.Errorf("engine: check: free set: %w", err)
	}

	return nil
}

// Dump writes a human-readable tree structure for both the committed
// catalog and free-set trees to w, for diagnosing a failed Check.
func (e *Engine) Dump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "catalog:"); err != nil {
		return err
	}

	if err := e.store.Catalog.Dump(w); err != nil {
		return fmt.Errorf("engine: dump: catalog: %w", err)
	}

	if _, err := fmt.Fprintln(w, "free set:"); err != nil {
		return err
	}

	if err := e.freeSet.Tree().Dump(w); err != nil {
		return fmt.Errorf("engine: dump: free set: %w", err)
	}

	return nil
}
