package merge

import "sort"

// registry tracks the coordinator's live workers in an index-stable slot
// arena. It is only touched under the coordinator mutex; workers report their
// exit through the exited channel instead of taking that mutex.
type registry struct {
	slots  []*Worker
	free   []int
	live   int
	seq    uint64
	exited chan *Worker
}

func newRegistry(backlog int) *registry {
	if backlog <= 0 {
		backlog = 64
	}
	return &registry{exited: make(chan *Worker, backlog)}
}

func (r *registry) add(w *Worker) {
	r.seq++
	w.seq = r.seq
	if n := len(r.free); n > 0 {
		w.slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[w.slot] = w
	} else {
		w.slot = len(r.slots)
		r.slots = append(r.slots, w)
	}
	r.live++
}

func (r *registry) remove(w *Worker) bool {
	if w.slot < 0 || w.slot >= len(r.slots) || r.slots[w.slot] != w {
		return false
	}
	r.slots[w.slot] = nil
	r.free = append(r.free, w.slot)
	w.slot = -1
	r.live--
	return true
}

// notifyExit is called by a worker as its last act. The send never blocks:
// if the backlog is full the sweep in prune still finds the worker.
func (r *registry) notifyExit(w *Worker) {
	select {
	case r.exited <- w:
	default:
	}
}

// prune drops every worker whose execution has terminated and returns how
// many were removed.
func (r *registry) prune() int {
	removed := 0
	for {
		select {
		case w := <-r.exited:
			if r.remove(w) {
				removed++
			}
			continue
		default:
		}
		break
	}
	for _, w := range r.slots {
		if w != nil && !w.IsAlive() && r.remove(w) {
			removed++
		}
	}
	return removed
}

func (r *registry) len() int {
	return r.live
}

// activeJobs counts live workers that currently hold a job.
func (r *registry) activeJobs() int {
	n := 0
	for _, w := range r.slots {
		if w != nil && w.IsAlive() && w.CurrentJob() != nil {
			n++
		}
	}
	return n
}

// workers returns the live workers in registration order.
func (r *registry) workers() []*Worker {
	out := make([]*Worker, 0, r.live)
	for _, w := range r.slots {
		if w != nil {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
