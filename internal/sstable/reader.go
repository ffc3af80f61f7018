package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/Rishabh-malhotraa/segmentdb/internal/bloom"
	"github.com/Rishabh-malhotraa/segmentdb/internal/compressor"
)

// Reader opens a published SSTable file and serves point lookups and full
// scans against it. Metadata (header, footer, sparse index, Bloom filter)
// is loaded eagerly at Open time; block bodies are read on demand. A
// lookup consults the Bloom filter, then the sparse index, then scans the
// located block.
type Reader struct {
	path       string
	file       *os.File
	header     header
	footer     footer
	index      []indexEntry
	bloom      *bloom.Filter
	compressor compressor.Codec

	minKey, maxKey []byte
}

// OpenReader opens path and eagerly loads its metadata. codec must match
// (or be compatible with) whatever Codec the Writer used: the format
// itself doesn't record the algorithm (see WriterConfig.Compressor's doc
// comment). A nil codec falls back to the SSTable default (LZ4).
func OpenReader(path string, codec compressor.Codec) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}

	r, err := loadReader(path, f, codec)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func loadReader(path string, f *os.File, codec compressor.Codec) (*Reader, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return nil, fmt.Errorf("sstable: read header: %w", err)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	if stat.Size() < headerSize+footerSize {
		return nil, fmt.Errorf("sstable: file too small to contain a footer")
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, stat.Size()-footerSize); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	indexBuf := make([]byte, ft.indexSize)
	if ft.indexSize > 0 {
		if _, err := f.ReadAt(indexBuf, int64(ft.indexOffset)); err != nil {
			return nil, fmt.Errorf("sstable: read index: %w", err)
		}
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		return nil, err
	}

	bloomBuf := make([]byte, ft.bloomSize)
	if ft.bloomSize > 0 {
		if _, err := f.ReadAt(bloomBuf, int64(ft.bloomOffset)); err != nil {
			return nil, fmt.Errorf("sstable: read bloom filter: %w", err)
		}
	}
	filter, err := bloom.Unmarshal(bloomBuf)
	if err != nil {
		return nil, err
	}

	if codec == nil {
		codec, err = compressor.New(compressor.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	r := &Reader{
		path:       path,
		file:       f,
		header:     h,
		footer:     ft,
		index:      index,
		bloom:      filter,
		compressor: codec,
	}
	if len(index) > 0 {
		r.minKey = index[0].key
		lastBlock, err := r.readBlock(len(index) - 1)
		if err != nil {
			return nil, fmt.Errorf("sstable: read last block for max key: %w", err)
		}
		if len(lastBlock) > 0 {
			r.maxKey = lastBlock[len(lastBlock)-1].Key
		}
	}
	return r, nil
}

// EntryCount returns the number of entries recorded in the header.
func (r *Reader) EntryCount() uint32 { return r.header.entryCount }

// Level returns the compaction level recorded in the header.
func (r *Reader) Level() uint8 { return r.header.level }

// Path returns the file path this Reader was opened from.
func (r *Reader) Path() string { return r.path }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.file.Close() }

// Get looks up key, short-circuiting against the table's key range and
// Bloom filter before touching disk. The returned bool reports whether key
// was found at all; a found tombstone is reported with Entry.IsTombstone
// true, matching Memtable.Get's contract so callers merge the two sources
// identically.
func (r *Reader) Get(key []byte) (Entry, bool, error) {
	if r.minKey == nil {
		return Entry{}, false, nil
	}
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return Entry{}, false, nil
	}
	if !r.bloom.Contains(key) {
		return Entry{}, false, nil
	}

	blockIdx := r.findBlock(key)
	if blockIdx < 0 {
		return Entry{}, false, nil
	}
	entries, err := r.readBlock(blockIdx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Key, key) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// findBlock returns the index of the last block whose first key is <= key,
// or -1 if key precedes every block (binary search over the sparse index).
func (r *Reader) findBlock(key []byte) int {
	found := -1
	lo, hi := 0, len(r.index)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(r.index[mid].key, key) <= 0 {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return found
}

func (r *Reader) readBlock(i int) ([]Entry, error) {
	start := int64(r.index[i].offset)
	var end int64
	if i+1 < len(r.index) {
		end = int64(r.index[i+1].offset)
	} else {
		end = int64(r.footer.indexOffset)
	}

	raw := make([]byte, end-start)
	if _, err := r.file.ReadAt(raw, start); err != nil {
		return nil, fmt.Errorf("sstable: read block %d: %w", i, err)
	}
	return r.decodeBlock(raw)
}

func (r *Reader) decodeBlock(raw []byte) ([]Entry, error) {
	if len(raw) < blockHeaderSize+blockChecksumSize {
		return nil, fmt.Errorf("sstable: truncated block: %d bytes", len(raw))
	}
	compSize := binary.BigEndian.Uint32(raw[0:4])
	uncompSize := binary.BigEndian.Uint32(raw[4:8])
	compEnd := blockHeaderSize + int(compSize)
	if compEnd+blockChecksumSize != len(raw) {
		return nil, fmt.Errorf("sstable: block size mismatch")
	}

	wantChecksum := binary.BigEndian.Uint32(raw[compEnd : compEnd+blockChecksumSize])
	gotChecksum := uint32(xxhash.Sum64(raw[0:compEnd]))
	if gotChecksum != wantChecksum {
		return nil, fmt.Errorf("sstable: block checksum mismatch: corrupt data")
	}

	decompressed, err := r.compressor.Decompress(raw[blockHeaderSize:compEnd], int(uncompSize))
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block: %w", err)
	}

	var entries []Entry
	off := 0
	for off < len(decompressed) {
		e, next, err := decodeEntry(decompressed, off)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		off = next
	}
	return entries, nil
}

// Iterator scans the whole table in ascending key order.
type Iterator struct {
	r        *Reader
	blockIdx int
	entries  []Entry
	pos      int
	err      error
}

// Iterator returns a new full-table scan positioned before the first entry;
// call Next before the first Entry.
func (r *Reader) Iterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

func (it *Iterator) Next() bool {
	for {
		if it.pos+1 < len(it.entries) {
			it.pos++
			return true
		}
		it.blockIdx++
		if it.blockIdx >= len(it.r.index) {
			return false
		}
		entries, err := it.r.readBlock(it.blockIdx)
		if err != nil {
			it.err = err
			return false
		}
		it.entries = entries
		it.pos = -1
		if len(entries) == 0 {
			continue
		}
		it.pos = 0
		return true
	}
}

func (it *Iterator) Entry() Entry { return it.entries[it.pos] }

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }
