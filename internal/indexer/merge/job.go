package merge

import (
	"fmt"
	"strings"
)

// Job describes one segment merge: the source segments to combine and the
// segment they are merged into. Jobs are created and owned by the Writer; the
// scheduler only hands them to workers.
type Job struct {
	ID      uint64
	Dir     string
	Sources []string
	Target  string
	Bytes   int64
}

func (j *Job) String() string {
	if j == nil {
		return "<nil>"
	}
	return fmt.Sprintf("merge#%d[%s -> %s]", j.ID, strings.Join(j.Sources, ","), j.Target)
}
