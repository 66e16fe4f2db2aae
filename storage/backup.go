package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteBackup spools serialized receipt bytes to the local backup directory
// before any remote publish attempt. Files are named by receipt id, written
// once, and never rewritten.
func WriteBackup(dir, receiptID string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	path := filepath.Join(dir, receiptID+".json")
	if _, err := os.Stat(path); err == nil {
		// Receipts are immutable; an existing backup is already correct.
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize backup: %w", err)
	}
	return nil
}
