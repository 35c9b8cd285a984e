package segment

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/index"
)

// MagicBytes identifies a valid .spdx segment file.
const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 64
	FooterSize    int    = 32

	// FormatV1 segments carry JSON postings. They are still readable and are
	// rewritten as the current version when merged.
	FormatV1 uint32 = 1

	Extension = ".spdx"
	tmpSuffix = ".tmp"
)

var (
	ErrAborted        = errors.New("segment write aborted")
	ErrEmptySegment   = errors.New("cannot write empty segment")
	ErrCorrupt        = errors.New("corrupt segment")
	ErrNoSources      = errors.New("merge needs at least one source segment")
	ErrTargetExists   = errors.New("merge target already exists")
	ErrUnknownVersion = errors.New("unsupported segment format version")
)

// SegmentHeader is the 64-byte header written at the start of every segment.
type SegmentHeader struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	CreatedAt  int64
	DictOffset int64
	DictSize   int64
	PostOffset int64
	PostSize   int64
}

func (h SegmentHeader) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.DictSize))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.PostOffset))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.PostSize))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.CreatedAt))
	return b
}

func decodeHeader(b []byte) (SegmentHeader, error) {
	h := SegmentHeader{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		TermCount:  binary.LittleEndian.Uint32(b[8:12]),
		DocCount:   binary.LittleEndian.Uint32(b[12:16]),
		DictOffset: int64(binary.LittleEndian.Uint64(b[16:24])),
		DictSize:   int64(binary.LittleEndian.Uint64(b[24:32])),
		PostOffset: int64(binary.LittleEndian.Uint64(b[32:40])),
		PostSize:   int64(binary.LittleEndian.Uint64(b[40:48])),
		CreatedAt:  int64(binary.LittleEndian.Uint64(b[48:56])),
	}
	if h.Magic != MagicBytes {
		return h, fmt.Errorf("%w: bad magic bytes %x", ErrCorrupt, h.Magic)
	}
	if h.Version != FormatV1 && h.Version != FormatVersion {
		return h, fmt.Errorf("%w: %d", ErrUnknownVersion, h.Version)
	}
	return h, nil
}

// DictEntry maps a term to its postings offset, length, and document frequency
// in the segment file.
type DictEntry struct {
	Term       string `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// IsSegmentFile reports whether name looks like a finished segment.
func IsSegmentFile(name string) bool {
	return strings.HasSuffix(name, Extension)
}

// IsTempFile reports whether name is an unfinished segment write.
func IsTempFile(name string) bool {
	return strings.HasSuffix(name, Extension+tmpSuffix)
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// encodePostings packs a postings list as msgpack and compresses it.
func encodePostings(p index.PostingList) ([]byte, error) {
	raw, err := msgpack.Marshal(p)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodePostings(version uint32, b []byte) (index.PostingList, error) {
	var p index.PostingList
	if version == FormatV1 {
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing postings: %w", ErrCorrupt, err)
	}
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
