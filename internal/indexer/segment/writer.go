package segment

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/index"
)

const minThrottleBurst = 64 << 10

// Stats describes a segment that was just written.
type Stats struct {
	Name  string
	Terms int
	Docs  int
	Bytes int64
}

// Writer serialises TermEntry slices into new .spdx segment files.
type Writer struct {
	dataDir string
	limiter *rate.Limiter

	mu       sync.Mutex
	lastName int64
}

type WriterOption func(*Writer)

// WithRateLimit caps the postings bytes per second written by merges. Flushes
// are never throttled. A value <= 0 disables the limit.
func WithRateLimit(bytesPerSec int) WriterOption {
	return func(w *Writer) {
		if bytesPerSec <= 0 {
			w.limiter = nil
			return
		}
		burst := max(bytesPerSec, minThrottleBurst)
		w.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
		// start empty so the first merge is throttled too
		w.limiter.AllowN(time.Now(), burst)
	}
}

// NewWriter creates a Writer that writes segments into the given directory.
func NewWriter(dataDir string, opts ...WriterOption) *Writer {
	w := &Writer{dataDir: dataDir}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Dir() string {
	return w.dataDir
}

// NextName returns an unused segment file name. Names sort in creation order.
func (w *Writer) NextName() string {
	return fmt.Sprintf("seg_%d%s", w.nextSeq(), Extension)
}

// MergedName returns an unused name for the segment that replaces a run of
// adjacent segments, the newest of which is newest. The name sorts right after
// newest and before anything written later, so the merged segment keeps its
// sources' place in age order when a shard is reopened.
func (w *Writer) MergedName(newest string) string {
	base := strings.TrimPrefix(strings.TrimSuffix(newest, Extension), "seg_")
	base, _, _ = strings.Cut(base, "_")
	return fmt.Sprintf("seg_%s_%d%s", base, w.nextSeq(), Extension)
}

func (w *Writer) nextSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= w.lastName {
		n = w.lastName + 1
	}
	w.lastName = n
	return n
}

// Write atomically creates a new segment file containing the given term
// entries, which must be sorted by term. It writes to a .tmp file first and
// renames on success.
func (w *Writer) Write(entries []index.TermEntry) (string, error) {
	name := w.NextName()
	if _, err := w.WriteNamed(context.Background(), name, entries); err != nil {
		return "", err
	}
	return name, nil
}

// WriteNamed writes entries to a segment called name.
func (w *Writer) WriteNamed(ctx context.Context, name string, entries []index.TermEntry) (Stats, error) {
	if len(entries) == 0 {
		return Stats{}, ErrEmptySegment
	}
	b, err := w.create(ctx, name, false)
	if err != nil {
		return Stats{}, err
	}
	for _, e := range entries {
		if err := b.add(e); err != nil {
			b.abort()
			return Stats{}, err
		}
	}
	return b.finish()
}

// builder streams postings into a temp file and writes the dictionary,
// footer and header once every term has been added.
type builder struct {
	ctx      context.Context
	name     string
	path     string
	tmpPath  string
	f        *os.File
	bw       *bufio.Writer
	limiter  *rate.Limiter
	offset   int64
	dict     []DictEntry
	docs     map[string]struct{}
	lastTerm string
}

func (w *Writer) create(ctx context.Context, name string, throttle bool) (*builder, error) {
	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	finalPath := filepath.Join(w.dataDir, name)
	if _, err := os.Stat(finalPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetExists, name)
	}
	tmpPath := finalPath + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating temp segment file: %w", err)
	}
	b := &builder{
		ctx:     ctx,
		name:    name,
		path:    finalPath,
		tmpPath: tmpPath,
		f:       f,
		bw:      bufio.NewWriterSize(f, 64<<10),
		docs:    make(map[string]struct{}),
	}
	if throttle {
		b.limiter = w.limiter
	}
	// header is rewritten in place by finish
	if _, err := b.bw.Write(make([]byte, HeaderSize)); err != nil {
		b.abort()
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return b, nil
}

func (b *builder) add(e index.TermEntry) error {
	if len(e.Postings) == 0 {
		return nil
	}
	if len(b.dict) > 0 && e.Term <= b.lastTerm {
		return fmt.Errorf("%w: term %q written after %q", ErrCorrupt, e.Term, b.lastTerm)
	}
	data, err := encodePostings(e.Postings)
	if err != nil {
		return fmt.Errorf("encoding postings for term %q: %w", e.Term, err)
	}
	if err := b.throttle(len(data)); err != nil {
		return err
	}
	if _, err := b.bw.Write(data); err != nil {
		return fmt.Errorf("writing postings for term %q: %w", e.Term, err)
	}
	b.dict = append(b.dict, DictEntry{
		Term:       e.Term,
		PostOffset: b.offset,
		PostLen:    len(data),
		DocFreq:    len(e.Postings),
	})
	b.offset += int64(len(data))
	b.lastTerm = e.Term
	for _, p := range e.Postings {
		b.docs[p.DocID] = struct{}{}
	}
	return nil
}

func (b *builder) throttle(n int) error {
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if b.limiter == nil {
		return nil
	}
	burst := b.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := b.limiter.WaitN(b.ctx, chunk); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		n -= chunk
	}
	return nil
}

func (b *builder) finish() (Stats, error) {
	if len(b.dict) == 0 {
		b.abort()
		return Stats{}, ErrEmptySegment
	}
	dictData, err := json.Marshal(b.dict)
	if err != nil {
		b.abort()
		return Stats{}, fmt.Errorf("marshaling dictionary: %w", err)
	}
	dictStart := int64(HeaderSize) + b.offset
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(dictData))
	binary.LittleEndian.PutUint32(footer[4:8], uint32(len(b.docs)))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(dictStart))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(len(dictData)))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(b.offset))

	if _, err := b.bw.Write(dictData); err != nil {
		b.abort()
		return Stats{}, fmt.Errorf("writing dictionary: %w", err)
	}
	if _, err := b.bw.Write(footer); err != nil {
		b.abort()
		return Stats{}, fmt.Errorf("writing footer: %w", err)
	}
	if err := b.bw.Flush(); err != nil {
		b.abort()
		return Stats{}, fmt.Errorf("flushing segment file: %w", err)
	}
	header := SegmentHeader{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		TermCount:  uint32(len(b.dict)),
		DocCount:   uint32(len(b.docs)),
		CreatedAt:  time.Now().Unix(),
		DictOffset: dictStart,
		DictSize:   int64(len(dictData)),
		PostOffset: int64(HeaderSize),
		PostSize:   b.offset,
	}
	if _, err := b.f.WriteAt(header.encode(), 0); err != nil {
		b.abort()
		return Stats{}, fmt.Errorf("updating header: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		b.abort()
		return Stats{}, fmt.Errorf("syncing segment file: %w", err)
	}
	if err := b.f.Close(); err != nil {
		_ = os.Remove(b.tmpPath)
		return Stats{}, fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(b.tmpPath, b.path); err != nil {
		_ = os.Remove(b.tmpPath)
		return Stats{}, fmt.Errorf("renaming segment file: %w", err)
	}
	return Stats{
		Name:  b.name,
		Terms: len(b.dict),
		Docs:  len(b.docs),
		Bytes: dictStart + int64(len(dictData)) + int64(FooterSize),
	}, nil
}

// abort drops the partial output.
func (b *builder) abort() {
	_ = b.f.Close()
	_ = os.Remove(b.tmpPath)
}

// RemoveTemp deletes unfinished segment writes left in dir by a crash.
func RemoveTemp(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading data directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsTempFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
