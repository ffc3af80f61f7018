// Package sstable implements the on-disk sorted-string-table format: a
// sequence of compressed, checksummed blocks, a sparse key index, and a
// Bloom filter, published atomically.
package sstable

import (
	"encoding/binary"
	"fmt"
)

// headerMagic/footerMagic identify a well-formed file and guard against
// reading a truncated or foreign one.
const (
	headerMagic = "SEGMTSST"
	footerMagic = "SEGMTSST"

	formatVersion = 1

	// headerSize is magic(8) + version(4) + level(1) + entry_count(4).
	headerSize = 17
	// footerSize is index_offset(8) + index_size(4) + bloom_offset(8) +
	// bloom_size(4) + magic(8).
	footerSize = 32
	// blockHeaderSize is comp_size(4) + uncomp_size(4).
	blockHeaderSize = 8
	// blockChecksumSize trails the compressed payload.
	blockChecksumSize = 4
)

// header is the 17-byte fixed prologue of every SSTable file.
type header struct {
	version    uint32
	level      uint8
	entryCount uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], headerMagic)
	binary.BigEndian.PutUint32(buf[8:12], h.version)
	buf[12] = h.level
	binary.BigEndian.PutUint32(buf[13:17], h.entryCount)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("sstable: truncated header: %d bytes", len(buf))
	}
	if string(buf[0:8]) != headerMagic {
		return header{}, fmt.Errorf("sstable: bad header magic %q", buf[0:8])
	}
	return header{
		version:    binary.BigEndian.Uint32(buf[8:12]),
		level:      buf[12],
		entryCount: binary.BigEndian.Uint32(buf[13:17]),
	}, nil
}

// footer is the 32-byte fixed epilogue pointing at the index and Bloom
// filter sections.
type footer struct {
	indexOffset uint64
	indexSize   uint32
	bloomOffset uint64
	bloomSize   uint32
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, footerSize)
	binary.BigEndian.PutUint64(buf[0:8], f.indexOffset)
	binary.BigEndian.PutUint32(buf[8:12], f.indexSize)
	binary.BigEndian.PutUint64(buf[12:20], f.bloomOffset)
	binary.BigEndian.PutUint32(buf[20:24], f.bloomSize)
	copy(buf[24:32], footerMagic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) < footerSize {
		return footer{}, fmt.Errorf("sstable: truncated footer: %d bytes", len(buf))
	}
	if string(buf[24:32]) != footerMagic {
		return footer{}, fmt.Errorf("sstable: bad footer magic %q", buf[24:32])
	}
	return footer{
		indexOffset: binary.BigEndian.Uint64(buf[0:8]),
		indexSize:   binary.BigEndian.Uint32(buf[8:12]),
		bloomOffset: binary.BigEndian.Uint64(buf[12:20]),
		bloomSize:   binary.BigEndian.Uint32(buf[20:24]),
	}, nil
}

// indexEntry is one sparse-index record: a block's file offset, first key,
// and (derived, not stored) ordinal position.
type indexEntry struct {
	offset uint64
	key    []byte
}

func encodeIndex(entries []indexEntry) []byte {
	size := 4
	for _, e := range entries {
		size += 8 + 2 + len(e.key)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:off+8], e.offset)
		binary.BigEndian.PutUint16(buf[off+8:off+10], uint16(len(e.key)))
		copy(buf[off+10:off+10+len(e.key)], e.key)
		off += 10 + len(e.key)
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("sstable: truncated index: %d bytes", len(buf))
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	entries := make([]indexEntry, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+10 > len(buf) {
			return nil, fmt.Errorf("sstable: truncated index entry %d", i)
		}
		offset := binary.BigEndian.Uint64(buf[off : off+8])
		keyLen := int(binary.BigEndian.Uint16(buf[off+8 : off+10]))
		off += 10
		if off+keyLen > len(buf) {
			return nil, fmt.Errorf("sstable: truncated index key %d", i)
		}
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen
		entries = append(entries, indexEntry{offset: offset, key: key})
	}
	return entries, nil
}

// Entry is a single (key, seq_no, value) record in ascending key order, the
// unit a Writer consumes and an Iterator produces. A nil Value denotes a
// tombstone.
type Entry struct {
	Key   []byte
	SeqNo uint64
	Value []byte
}

// IsTombstone reports whether this entry represents a deletion.
func (e Entry) IsTombstone() bool { return e.Value == nil }

// encodeEntry frames a single entry as it appears inside a block:
// length(4) || seq_no(8) || key_len(2) || val_len(4) || tombstone(1) ||
// key || value. length covers everything after itself.
func encodeEntry(e Entry) []byte {
	tombstone := byte(0)
	valLen := len(e.Value)
	if e.IsTombstone() {
		tombstone = 1
		valLen = 0
	}
	payloadLen := 8 + 2 + 4 + 1 + len(e.Key) + valLen
	buf := make([]byte, 4+payloadLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(payloadLen))
	binary.BigEndian.PutUint64(buf[4:12], e.SeqNo)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(e.Key)))
	binary.BigEndian.PutUint32(buf[14:18], uint32(valLen))
	buf[18] = tombstone
	off := 19
	copy(buf[off:off+len(e.Key)], e.Key)
	off += len(e.Key)
	if tombstone == 0 {
		copy(buf[off:off+valLen], e.Value)
	}
	return buf
}

// decodeEntry reads one framed entry from buf at offset off, returning the
// entry and the offset of the next one.
func decodeEntry(buf []byte, off int) (Entry, int, error) {
	if off+4 > len(buf) {
		return Entry{}, 0, fmt.Errorf("sstable: truncated entry length at offset %d", off)
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	start := off + 4
	if start+payloadLen > len(buf) {
		return Entry{}, 0, fmt.Errorf("sstable: truncated entry payload at offset %d", off)
	}
	if payloadLen < 15 {
		return Entry{}, 0, fmt.Errorf("sstable: malformed entry payload length %d", payloadLen)
	}
	seqNo := binary.BigEndian.Uint64(buf[start : start+8])
	keyLen := int(binary.BigEndian.Uint16(buf[start+8 : start+10]))
	valLen := int(binary.BigEndian.Uint32(buf[start+10 : start+14]))
	tombstone := buf[start+14]
	p := start + 15
	if p+keyLen+valLen != start+payloadLen {
		return Entry{}, 0, fmt.Errorf("sstable: entry key/value length mismatch at offset %d", off)
	}
	key := make([]byte, keyLen)
	copy(key, buf[p:p+keyLen])
	p += keyLen

	var value []byte
	if tombstone == 0 {
		value = make([]byte, valLen)
		copy(value, buf[p:p+valLen])
	}

	return Entry{Key: key, SeqNo: seqNo, Value: value}, start + payloadLen, nil
}

// EntryIterator yields a source's entries in ascending key order. Both
// memtable.Memtable's frozen tables and sstable.Iterator implement this, so
// a TableBuilder can consume either.
type EntryIterator interface {
	Next() bool
	Entry() Entry
}
