package store

import (
	"fmt"
	"os"

	"github.com/Rishabh-malhotraa/segmentdb/internal/wal"
)

// rewriteWALDroppingUpTo rewrites the WAL at path to a sibling temp file
// containing only records with seq_no > seqNo, then renames it over path.
// Any torn tail on the source file is dropped along with everything else
// already captured in the checkpointed SSTable.
func rewriteWALDroppingUpTo(path string, seqNo uint64) (err error) {
	tmpPath := path + ".checkpoint.tmp"

	r, err := wal.OpenReader(path)
	if err != nil {
		return fmt.Errorf("wal checkpoint: open source: %w", err)
	}
	defer r.Close()

	w, err := wal.NewWriter(tmpPath, wal.DefaultWriterConfig())
	if err != nil {
		return fmt.Errorf("wal checkpoint: open temp: %w", err)
	}
	defer func() {
		if err != nil {
			w.Close()
			os.Remove(tmpPath)
		}
	}()

	for r.Next() {
		rec := r.Record()
		if rec.SeqNo <= seqNo {
			continue
		}
		if err = w.Append(rec); err != nil {
			return fmt.Errorf("wal checkpoint: append kept record: %w", err)
		}
	}
	if err = r.Err(); err != nil {
		return fmt.Errorf("wal checkpoint: read source: %w", err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("wal checkpoint: close temp: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("wal checkpoint: publish: %w", err)
	}
	return nil
}
