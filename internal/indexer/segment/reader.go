package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/index"
)

type Reader struct {
	file     *os.File
	filePath string
	size     int64
	header   SegmentHeader
	dict     []DictEntry
	postBase int64
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	r, err := load(f, path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening segment %s: %w", filepath.Base(path), err)
	}
	return r, nil
}

func load(f *os.File, path string) (*Reader, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupt, st.Size())
	}
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if header.DictOffset+header.DictSize > st.Size()-int64(FooterSize) {
		return nil, fmt.Errorf("%w: dictionary past end of file", ErrCorrupt)
	}
	dictBytes := make([]byte, header.DictSize)
	if _, err := f.ReadAt(dictBytes, header.DictOffset); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, st.Size()-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	if sum := binary.LittleEndian.Uint32(footer[0:4]); sum != crc32.ChecksumIEEE(dictBytes) {
		return nil, fmt.Errorf("%w: dictionary checksum mismatch", ErrCorrupt)
	}
	var dict []DictEntry
	if err := json.Unmarshal(dictBytes, &dict); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}
	return &Reader{
		file:     f,
		filePath: path,
		size:     st.Size(),
		header:   header,
		dict:     dict,
		postBase: header.PostOffset,
	}, nil
}

func (r *Reader) Search(term string) (index.PostingList, error) {
	idx := sort.Search(len(r.dict), func(i int) bool {
		return r.dict[i].Term >= term
	})
	if idx >= len(r.dict) || r.dict[idx].Term != term {
		return nil, nil
	}
	return r.postings(r.dict[idx])
}

func (r *Reader) postings(entry DictEntry) (index.PostingList, error) {
	buf := make([]byte, entry.PostLen)
	if _, err := r.file.ReadAt(buf, r.postBase+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings for %q: %w", entry.Term, err)
	}
	postings, err := decodePostings(r.header.Version, buf)
	if err != nil {
		return nil, fmt.Errorf("parsing postings for %q: %w", entry.Term, err)
	}
	return postings, nil
}

// Iterate calls fn for every term in dictionary order and stops at the first
// error.
func (r *Reader) Iterate(fn func(index.TermEntry) error) error {
	for _, entry := range r.dict {
		postings, err := r.postings(entry)
		if err != nil {
			return err
		}
		if err := fn(index.TermEntry{Term: entry.Term, Postings: postings}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) Terms() int {
	return len(r.dict)
}

func (r *Reader) DocCount() uint32 {
	return r.header.DocCount
}

func (r *Reader) Version() uint32 {
	return r.header.Version
}

// Size is the segment's file size in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) Name() string {
	return filepath.Base(r.filePath)
}

func (r *Reader) Path() string {
	return r.filePath
}

func (r *Reader) Close() error {
	return r.file.Close()
}
