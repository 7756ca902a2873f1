package conflict

// Set is an in-memory collection of records keyed by ID.
type Set struct {
	records map[string]*Record
}

func NewSet(records ...*Record) *Set {
	s := &Set{records: make(map[string]*Record, len(records))}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add inserts or replaces r.
func (s *Set) Add(r *Record) {
	s.records[r.ID] = r
}

func (s *Set) Get(id string) (*Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

func (s *Set) Len() int { return len(s.records) }

// All returns every record in listing order.
func (s *Set) All() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	Sort(out)
	return out
}

// ForItem returns the records on gid ordered by kind.
func (s *Set) ForItem(gid string) []*Record {
	var out []*Record
	for _, r := range s.records {
		if r.GID == gid {
			out = append(out, r)
		}
	}
	Sort(out)
	return out
}

// Unresolved returns the open records in listing order.
func (s *Set) Unresolved() []*Record {
	var out []*Record
	for _, r := range s.All() {
		if !r.State.Resolved {
			out = append(out, r)
		}
	}
	return out
}
