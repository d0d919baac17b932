package satip

import "strconv"

// PidSet is an ordered, deduplicated collection of 13-bit MPEG-TS PIDs.
// Insertion order is preserved; AddPid is idempotent.
type PidSet struct {
	pids  []int
	index map[int]int
}

// NewPidSet returns an empty PID set ready for use.
func NewPidSet() *PidSet {
	return &PidSet{
		index: make(map[int]int),
	}
}

// AddPid inserts pid if not already present. Returns true if the set changed.
func (s *PidSet) AddPid(pid int) bool {
	if _, ok := s.index[pid]; ok {
		return false
	}
	s.index[pid] = len(s.pids)
	s.pids = append(s.pids, pid)
	return true
}

// RemovePid removes pid if present, preserving the order of the remainder.
// Returns true if the set changed.
func (s *PidSet) RemovePid(pid int) bool {
	i, ok := s.index[pid]
	if !ok {
		return false
	}
	s.pids = append(s.pids[:i], s.pids[i+1:]...)
	delete(s.index, pid)
	for p, idx := range s.index {
		if idx > i {
			s.index[p] = idx - 1
		}
	}
	return true
}

// IndexOf returns the position of pid in insertion order, or -1 if absent.
func (s *PidSet) IndexOf(pid int) int {
	if i, ok := s.index[pid]; ok {
		return i
	}
	return -1
}

// Size returns the number of distinct PIDs held.
func (s *PidSet) Size() int {
	return len(s.pids)
}

// Pids returns a copy of the PIDs in insertion order.
func (s *PidSet) Pids() []int {
	out := make([]int, len(s.pids))
	copy(out, s.pids)
	return out
}

// ListPids renders the set as the wire-format comma-joined decimal list,
// e.g. "0,16,17,18".
func (s *PidSet) ListPids() string {
	if len(s.pids) == 0 {
		return ""
	}
	out := make([]byte, 0, len(s.pids)*4)
	for i, p := range s.pids {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendInt(out, int64(p), 10)
	}
	return string(out)
}

// Clear empties the set in place.
func (s *PidSet) Clear() {
	s.pids = s.pids[:0]
	s.index = make(map[int]int)
}
