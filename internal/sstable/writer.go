package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/Rishabh-malhotraa/segmentdb/internal/bloom"
	"github.com/Rishabh-malhotraa/segmentdb/internal/compressor"
)

// DefaultBlockSizeThreshold partitions entries into ~4 KiB uncompressed
// blocks before compressing each.
const DefaultBlockSizeThreshold = 4 * 1024

// WriterConfig tunes how a Writer partitions, compresses, and publishes a
// new SSTable file.
type WriterConfig struct {
	// BlockSizeThreshold is the uncompressed-byte threshold that closes a
	// block and starts the next one.
	BlockSizeThreshold int
	// Compressor is the block codec. Swappable, provided the same Codec
	// (or an equivalent one) is supplied to the Reader that later opens
	// this file: the on-disk format doesn't tag which algorithm was used,
	// so that choice is a deployment-wide configuration rather than a
	// per-file one.
	Compressor compressor.Codec
	// BloomFalsePositiveRate sizes the table's Bloom filter.
	BloomFalsePositiveRate float64
	// Level is recorded in the header for a future compaction scheme to
	// read back; the core itself never branches on it.
	Level uint8
	// SyncParentDir fsyncs the destination directory after the rename, so
	// the new directory entry survives a crash.
	SyncParentDir bool
}

// DefaultWriterConfig returns the default configuration: 4 KiB blocks, LZ4
// compression, a 1% Bloom false-positive rate, and parent-directory fsync
// enabled.
func DefaultWriterConfig() (WriterConfig, error) {
	codec, err := compressor.New(compressor.DefaultConfig())
	if err != nil {
		return WriterConfig{}, err
	}
	return WriterConfig{
		BlockSizeThreshold:     DefaultBlockSizeThreshold,
		Compressor:             codec,
		BloomFalsePositiveRate: bloom.DefaultFalsePositiveRate,
		SyncParentDir:          true,
	}, nil
}

// Writer builds a single immutable SSTable file at path, publishing it
// atomically: entries are staged in a sibling temp file, fsynced, then
// renamed over the final path.
type Writer struct {
	path string
	cfg  WriterConfig
}

// NewWriter constructs a Writer for the SSTable that will be published at
// path. cfg's zero-value fields are replaced with defaults.
func NewWriter(path string, cfg WriterConfig) (*Writer, error) {
	if cfg.BlockSizeThreshold <= 0 {
		cfg.BlockSizeThreshold = DefaultBlockSizeThreshold
	}
	if cfg.Compressor == nil {
		codec, err := compressor.New(compressor.DefaultConfig())
		if err != nil {
			return nil, err
		}
		cfg.Compressor = codec
	}
	if cfg.BloomFalsePositiveRate <= 0 {
		cfg.BloomFalsePositiveRate = bloom.DefaultFalsePositiveRate
	}
	return &Writer{path: path, cfg: cfg}, nil
}

// Build consumes it to completion and publishes a new SSTable file,
// implementing memtable.TableBuilder. it must yield entries in ascending
// key order; a flushed frozen memtable's iterator already satisfies this.
func (w *Writer) Build(it EntryIterator) error {
	var entries []Entry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	return w.writeFile(entries)
}

func (w *Writer) writeFile(entries []Entry) (err error) {
	tmpPath := w.path + ".tmp"
	f, openErr := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if openErr != nil {
		return fmt.Errorf("sstable: create temp file: %w", openErr)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	h := header{version: formatVersion, level: w.cfg.Level, entryCount: uint32(len(entries))}
	if _, err = f.Write(encodeHeader(h)); err != nil {
		return fmt.Errorf("sstable: write header: %w", err)
	}

	offset := int64(headerSize)
	var index []indexEntry
	var pending []byte
	var pendingFirstKey []byte

	flushBlock := func() error {
		if len(pending) == 0 {
			return nil
		}
		blockBytes, encErr := w.encodeBlock(pending)
		if encErr != nil {
			return encErr
		}
		index = append(index, indexEntry{offset: uint64(offset), key: pendingFirstKey})
		n, writeErr := f.Write(blockBytes)
		if writeErr != nil {
			return fmt.Errorf("sstable: write block: %w", writeErr)
		}
		offset += int64(n)
		pending = pending[:0]
		pendingFirstKey = nil
		return nil
	}

	for _, e := range entries {
		encoded := encodeEntry(e)
		if len(pending) > 0 && len(pending)+len(encoded) > w.cfg.BlockSizeThreshold {
			if err = flushBlock(); err != nil {
				return err
			}
		}
		if pendingFirstKey == nil {
			pendingFirstKey = e.Key
		}
		pending = append(pending, encoded...)
	}
	if err = flushBlock(); err != nil {
		return err
	}

	filter := bloom.New(uint64(len(entries)), w.cfg.BloomFalsePositiveRate)
	for _, e := range entries {
		filter.Add(e.Key)
	}
	bloomBytes := filter.Marshal()

	indexOffset := offset
	indexBytes := encodeIndex(index)
	if _, err = f.Write(indexBytes); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}
	offset += int64(len(indexBytes))

	bloomOffset := offset
	if _, err = f.Write(bloomBytes); err != nil {
		return fmt.Errorf("sstable: write bloom filter: %w", err)
	}

	ft := footer{
		indexOffset: uint64(indexOffset),
		indexSize:   uint32(len(indexBytes)),
		bloomOffset: uint64(bloomOffset),
		bloomSize:   uint32(len(bloomBytes)),
	}
	if _, err = f.Write(encodeFooter(ft)); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}

	if err = f.Sync(); err != nil {
		return fmt.Errorf("sstable: fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("sstable: close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("sstable: publish: %w", err)
	}

	if w.cfg.SyncParentDir {
		if err = syncDir(filepath.Dir(w.path)); err != nil {
			return fmt.Errorf("sstable: fsync parent directory: %w", err)
		}
	}
	return nil
}

// encodeBlock compresses raw (one or more framed entries) and wraps it in
// the block layout: comp_size(4) || uncomp_size(4) || comp_data ||
// checksum(4). The checksum covers the header and compressed payload, using
// the low 32 bits of an xxhash64 digest in place of a dedicated 32-bit
// xxhash variant.
func (w *Writer) encodeBlock(raw []byte) ([]byte, error) {
	compressed, err := w.cfg.Compressor.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("sstable: compress block: %w", err)
	}
	buf := make([]byte, blockHeaderSize+len(compressed)+blockChecksumSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(raw)))
	copy(buf[8:8+len(compressed)], compressed)
	checksum := uint32(xxhash.Sum64(buf[0 : 8+len(compressed)]))
	binary.BigEndian.PutUint32(buf[8+len(compressed):], checksum)
	return buf, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
