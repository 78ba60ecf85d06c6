// Package chunk splits document payloads that exceed the entity size ceiling
// into self-describing frames and reassembles them.
//
// Frame layout (big endian):
//
//	magic "DGCK" | version u8 | index u32 | total u32 | size u64 |
//	idLen u16 | id | dataLen u32 | crc32(data) u32 | data
package chunk

import (
	"bytes"
	"drawchain/pkg/domain"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/pkg/errors"
)

const (
	version    = 1
	fixedBytes = 4 + 1 + 4 + 4 + 8 + 2 + 4 + 4
	maxIDLen   = 1<<16 - 1
)

var magic = []byte("DGCK")

var ErrBadCeiling = errors.New("chunk ceiling out of range")

type Source struct {
	ID     string
	Title  string
	Author string
}

func Overhead(docID string) int {
	return fixedBytes + len(docID)
}

func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s-%05d", docID, index)
}

// Split cuts payload into ceiling-sized frames. Frames are returned in index order.
func Split(src Source, payload []byte, ceiling int) ([]domain.Chunk, error) {
	if src.ID == "" || len(src.ID) > maxIDLen {
		return nil, errors.New("chunk: invalid document id")
	}
	if ceiling >= domain.MaxEntityPayload {
		return nil, errors.Wrapf(ErrBadCeiling, "ceiling %d must be below store limit %d", ceiling, domain.MaxEntityPayload)
	}
	per := ceiling - Overhead(src.ID)
	if per <= 0 {
		return nil, errors.Wrapf(ErrBadCeiling, "ceiling %d leaves no room for data", ceiling)
	}
	total := (len(payload) + per - 1) / per
	if total == 0 {
		total = 1
	}
	out := make([]domain.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * per
		end := start + per
		if end > len(payload) {
			end = len(payload)
		}
		data := make([]byte, end-start)
		copy(data, payload[start:end])
		out = append(out, domain.Chunk{
			ChunkID:      ChunkID(src.ID, i),
			DocumentID:   src.ID,
			Title:        src.Title,
			Author:       src.Author,
			Index:        i,
			Total:        total,
			OriginalSize: int64(len(payload)),
			Payload:      data,
			IsLast:       i == total-1,
		})
	}
	return out, nil
}

func Encode(c domain.Chunk) ([]byte, error) {
	if len(c.DocumentID) == 0 || len(c.DocumentID) > maxIDLen {
		return nil, errors.New("chunk: invalid document id")
	}
	if c.Index < 0 || c.Total < 1 || c.Index >= c.Total {
		return nil, errors.Errorf("chunk: index %d out of range for total %d", c.Index, c.Total)
	}
	var buf bytes.Buffer
	buf.Grow(Overhead(c.DocumentID) + len(c.Payload))
	buf.Write(magic)
	buf.WriteByte(version)
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(c.Index))
	buf.Write(tmp[:4])
	binary.BigEndian.PutUint32(tmp[:4], uint32(c.Total))
	buf.Write(tmp[:4])
	binary.BigEndian.PutUint64(tmp[:], uint64(c.OriginalSize))
	buf.Write(tmp[:])
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(c.DocumentID)))
	buf.Write(tmp[:2])
	buf.WriteString(c.DocumentID)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(c.Payload)))
	buf.Write(tmp[:4])
	binary.BigEndian.PutUint32(tmp[:4], crc32.ChecksumIEEE(c.Payload))
	buf.Write(tmp[:4])
	buf.Write(c.Payload)
	return buf.Bytes(), nil
}

// Decode parses a frame. Title and author are not framed; callers fill them from attributes.
func Decode(b []byte) (domain.Chunk, error) {
	var c domain.Chunk
	if len(b) < fixedBytes || !bytes.Equal(b[:4], magic) {
		return c, errors.Wrap(domain.ErrIncompleteChunkSet, "chunk: bad frame header")
	}
	if b[4] != version {
		return c, errors.Wrapf(domain.ErrIncompleteChunkSet, "chunk: unsupported frame version %d", b[4])
	}
	off := 5
	c.Index = int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	c.Total = int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	c.OriginalSize = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	idLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+idLen+8 {
		return c, errors.Wrap(domain.ErrIncompleteChunkSet, "chunk: truncated frame")
	}
	c.DocumentID = string(b[off : off+idLen])
	off += idLen
	dataLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	sum := binary.BigEndian.Uint32(b[off:])
	off += 4
	if len(b)-off != dataLen {
		return c, errors.Wrap(domain.ErrIncompleteChunkSet, "chunk: frame length mismatch")
	}
	data := b[off:]
	if crc32.ChecksumIEEE(data) != sum {
		return c, errors.Wrap(domain.ErrIncompleteChunkSet, "chunk: checksum mismatch")
	}
	c.Payload = append([]byte(nil), data...)
	c.ChunkID = ChunkID(c.DocumentID, c.Index)
	c.IsLast = c.Total > 0 && c.Index == c.Total-1
	return c, nil
}

// Reassemble is order-independent on input and fails closed on any gap,
// duplicate or inconsistency.
func Reassemble(chunks []domain.Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, errors.Wrap(domain.ErrIncompleteChunkSet, "no chunks")
	}
	sorted := make([]domain.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	docID := sorted[0].DocumentID
	size := sorted[0].OriginalSize
	for _, c := range sorted {
		if c.Total != len(sorted) {
			return nil, errors.Wrapf(domain.ErrIncompleteChunkSet, "have %d chunks, chunk %d declares %d", len(sorted), c.Index, c.Total)
		}
		if c.DocumentID != docID {
			return nil, errors.Wrapf(domain.ErrIncompleteChunkSet, "chunk %d belongs to %q, want %q", c.Index, c.DocumentID, docID)
		}
		if c.OriginalSize != size {
			return nil, errors.Wrapf(domain.ErrIncompleteChunkSet, "chunk %d declares size %d, want %d", c.Index, c.OriginalSize, size)
		}
	}
	var n int64
	for i, c := range sorted {
		if c.Index != i {
			return nil, errors.Wrapf(domain.ErrIncompleteChunkSet, "expected chunk %d, found %d", i, c.Index)
		}
		n += int64(len(c.Payload))
	}
	if n != size {
		return nil, errors.Wrapf(domain.ErrIncompleteChunkSet, "reassembled %d bytes, want %d", n, size)
	}
	out := make([]byte, 0, n)
	for _, c := range sorted {
		out = append(out, c.Payload...)
	}
	return out, nil
}
