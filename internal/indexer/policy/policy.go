// Package policy decides which segments of a shard should be merged together.
package policy

import "math"

const (
	DefaultMergeFactor = 10
	DefaultFloorSize   = 2 << 20
)

// SegmentInfo is what the policy needs to know about one segment.
type SegmentInfo struct {
	Name    string
	Size    int64
	Docs    int
	// Merging segments belong to a running merge. They are never proposed and
	// no proposal spans them.
	Merging bool
}

// Tiered groups segments into size tiers, each MergeFactor times larger than
// the one below it, and proposes a merge whenever a tier holds MergeFactor
// segments. Segments at or below FloorSize all share the lowest tier.
type Tiered struct {
	MergeFactor   int
	FloorSize     int64
	MaxMergeBytes int64
}

func NewTiered(mergeFactor int) *Tiered {
	if mergeFactor < 2 {
		mergeFactor = DefaultMergeFactor
	}
	return &Tiered{MergeFactor: mergeFactor, FloorSize: DefaultFloorSize}
}

// Select proposes merges among segments, which are given oldest first. A
// proposal is MergeFactor segments that are adjacent in age and share a size
// tier, so the merged segment can take its sources' place without moving
// older data ahead of newer data.
func (p *Tiered) Select(segments []SegmentInfo) [][]SegmentInfo {
	var out [][]SegmentInfo
	for _, run := range p.runs(segments, true) {
		for len(run) >= p.MergeFactor {
			group := run[:p.MergeFactor]
			run = run[p.MergeFactor:]
			if p.MaxMergeBytes > 0 && totalSize(group) > p.MaxMergeBytes {
				continue
			}
			out = append(out, group)
		}
	}
	return out
}

// SelectForced proposes merges that bring the segment count down to
// maxSegments, at most MergeFactor adjacent segments per merge. Several rounds
// may be needed when the count is far above the target or merges are running.
func (p *Tiered) SelectForced(segments []SegmentInfo, maxSegments int) [][]SegmentInfo {
	if maxSegments < 1 {
		maxSegments = 1
	}
	excess := len(segments) - maxSegments
	var out [][]SegmentInfo
	for _, run := range p.runs(segments, false) {
		for excess > 0 && len(run) >= 2 {
			n := min(p.MergeFactor, excess+1, len(run))
			out = append(out, run[:n])
			run = run[n:]
			excess -= n - 1
		}
	}
	return out
}

// runs splits segments into maximal stretches of adjacent segments that are
// not merging, and with byTier also share a tier.
func (p *Tiered) runs(segments []SegmentInfo, byTier bool) [][]SegmentInfo {
	var (
		out   [][]SegmentInfo
		start = -1
		tier  int
	)
	for i, s := range segments {
		t := p.tier(s.Size)
		if start >= 0 && (s.Merging || (byTier && t != tier)) {
			out = append(out, segments[start:i])
			start = -1
		}
		if s.Merging {
			continue
		}
		if start < 0 {
			start, tier = i, t
		}
	}
	if start >= 0 {
		out = append(out, segments[start:])
	}
	return out
}

func (p *Tiered) tier(size int64) int {
	if size <= p.FloorSize || p.FloorSize <= 0 {
		return 0
	}
	return int(math.Log(float64(size)/float64(p.FloorSize))/math.Log(float64(p.MergeFactor))) + 1
}

func totalSize(group []SegmentInfo) int64 {
	var n int64
	for _, s := range group {
		n += s.Size
	}
	return n
}
