package resources

import "sort"

// Holder is a job that holds (or has reserved) a resource.
type Holder struct {
	JobID    int64
	Mode     Mode
	Reserved bool
}

// Conflict names a resource a candidate cannot acquire and who blocks it.
type Conflict struct {
	Resource string
	Holder   Holder
}

// Ledger is the lock table derived from the active jobs of one admission
// pass. It is rebuilt every cycle and never persisted.
type Ledger struct {
	exclusive map[string]Holder
	shared    map[string][]Holder
}

func NewLedger() *Ledger {
	return &Ledger{
		exclusive: make(map[string]Holder),
		shared:    make(map[string][]Holder),
	}
}

// Hold records that jobID holds set. Hold does not check for conflicts; an
// active job always holds what it asked for.
func (l *Ledger) Hold(jobID int64, set Set) {
	l.add(jobID, set, false)
}

// Reserve marks set as claimed by a blocked job so that lower-ranked
// candidates in the same pass cannot take it first.
func (l *Ledger) Reserve(jobID int64, set Set) {
	l.add(jobID, set, true)
}

func (l *Ledger) add(jobID int64, set Set, reserved bool) {
	for _, n := range set.Exclusive {
		if _, taken := l.exclusive[n]; !taken {
			l.exclusive[n] = Holder{JobID: jobID, Mode: Exclusive, Reserved: reserved}
		}
	}
	for _, n := range set.Shared {
		l.shared[n] = append(l.shared[n], Holder{JobID: jobID, Mode: Shared, Reserved: reserved})
	}
}

// Conflicts lists what prevents set from being acquired. An empty result
// means the job can start.
func (l *Ledger) Conflicts(set Set) []Conflict {
	var out []Conflict
	for _, n := range set.Exclusive {
		if h, ok := l.exclusive[n]; ok {
			out = append(out, Conflict{Resource: n, Holder: h})
		}
		for _, h := range l.shared[n] {
			out = append(out, Conflict{Resource: n, Holder: h})
		}
	}
	for _, n := range set.Shared {
		if h, ok := l.exclusive[n]; ok {
			out = append(out, Conflict{Resource: n, Holder: h})
		}
	}
	return out
}

// CanAcquire reports whether set is free.
func (l *Ledger) CanAcquire(set Set) bool {
	return len(l.Conflicts(set)) == 0
}

// Held returns the resources held by active jobs (reservations excluded),
// keyed by resource name.
func (l *Ledger) Held() map[string][]Holder {
	out := make(map[string][]Holder)
	for n, h := range l.exclusive {
		if !h.Reserved {
			out[n] = append(out[n], h)
		}
	}
	for n, hs := range l.shared {
		for _, h := range hs {
			if !h.Reserved {
				out[n] = append(out[n], h)
			}
		}
	}
	for n := range out {
		sort.Slice(out[n], func(i, j int) bool { return out[n][i].JobID < out[n][j].JobID })
	}
	return out
}
