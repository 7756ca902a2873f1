// internal/conflict/conflict.go
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	verrors "veracity/internal/errors"
	"veracity/internal/repo"
)

// Kind orders conflicts on the same item: existence first, location last.
type Kind int

const (
	Existence Kind = iota
	Contents
	Attributes
	Name
	Location
)

var kindNames = [...]string{"Existence", "Contents", "Attributes", "Name", "Location"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind accepts a kind name in any case.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, s) {
			return Kind(i), nil
		}
	}
	return 0, verrors.ValidationError(fmt.Sprintf("unknown conflict kind '%s'", s), kindNames)
}

// Choice names one of the candidate values of a conflict.
type Choice string

const (
	ChoiceAncestor Choice = "ancestor"
	ChoiceBaseline Choice = "baseline"
	ChoiceOther    Choice = "other"
	ChoiceWorking  Choice = "working"
)

func ParseChoice(s string) (Choice, error) {
	switch c := Choice(strings.ToLower(s)); c {
	case ChoiceAncestor, ChoiceBaseline, ChoiceOther, ChoiceWorking:
		return c, nil
	}
	return "", verrors.ValidationError(
		fmt.Sprintf("unknown choice '%s' (expected ancestor, baseline, other or working)", s), nil)
}

// Cause texts shown by verbose listings.
const (
	CauseDeleteEdit     = "File deleted in one branch and changed in another"
	CauseDeleteChange   = "Item deleted in one branch and changed in another"
	CauseDirDeleteEdit  = "Directory deleted in one branch and its contents changed in another"
	CauseContents       = "File changed divergently in both branches"
	CauseContentsBinary = "File changed in both branches and cannot be merged automatically"
	CauseAttributes     = "Attributes changed differently in both branches"
	CauseRename         = "Item renamed differently in both branches"
	CauseMove           = "Item moved to different locations in both branches"
	CauseCollision      = "Two items would have the same name"
	CauseCycle          = "Moves in both branches would create a directory cycle"
)

// Value is one candidate state of an item. A non-existent item is a valid
// value with Exists false.
type Value struct {
	Exists bool      `json:"exists"`
	Kind   repo.Kind `json:"kind,omitempty"`
	Hash   string    `json:"hash,omitempty"`
	Attrs  uint      `json:"attrs"`
	Name   string    `json:"name,omitempty"`
	Parent string    `json:"parent,omitempty"`
	Path   string    `json:"path,omitempty"`
}

// ValueOf builds a Value from a tree lookup.
func ValueOf(t *repo.Tree, gid string) Value {
	if t == nil {
		return Value{}
	}
	e, ok := t.Get(gid)
	if !ok {
		return Value{}
	}
	return Value{
		Exists: true,
		Kind:   e.Kind,
		Hash:   e.Hash,
		Attrs:  e.Attrs,
		Name:   e.Name,
		Parent: e.Parent,
		Path:   t.Path(gid),
	}
}

func (v Value) String() string {
	if !v.Exists {
		return "(does not exist)"
	}
	s := v.Path
	if v.Hash != "" {
		s += " " + v.Hash[:min(len(v.Hash), 12)]
	}
	return fmt.Sprintf("%s attrs=%d", s, v.Attrs)
}

// ErrAlreadyResolved is returned by Transition when a resolved conflict is
// resolved again without overwrite.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// State is Unresolved (Resolved false) or Resolved{Choice, Overwritten}.
type State struct {
	Resolved    bool   `json:"resolved"`
	Choice      Choice `json:"choice,omitempty"`
	Overwritten int    `json:"overwritten,omitempty"`
}

// Transition computes the state after accepting choice. It never mutates s.
func Transition(s State, choice Choice, overwrite bool) (State, error) {
	if _, err := ParseChoice(string(choice)); err != nil {
		return s, err
	}
	if !s.Resolved {
		return State{Resolved: true, Choice: choice}, nil
	}
	if !overwrite {
		return s, ErrAlreadyResolved
	}
	return State{Resolved: true, Choice: choice, Overwritten: s.Overwritten + 1}, nil
}

func (s State) String() string {
	if !s.Resolved {
		return "unresolved"
	}
	return fmt.Sprintf("resolved (accepted %s)", s.Choice)
}

// Record is one conflict on one item. ID is stable for (GID, Kind).
type Record struct {
	ID       string   `json:"id"`
	GID      string   `json:"gid"`
	Path     string   `json:"path"`
	Kind     Kind     `json:"kind"`
	Cause    string   `json:"cause"`
	Ancestor Value    `json:"ancestor"`
	Baseline Value    `json:"baseline"`
	Other    Value    `json:"other"`
	Working  Value    `json:"working"`
	Related  []string `json:"related,omitempty"`
	State    State    `json:"state"`
}

func (r *Record) GetID() string { return r.ID }

func RecordID(gid string, kind Kind) string {
	return gid + ":" + strings.ToLower(kind.String())
}

// New builds an unresolved record from the three trees.
func New(gid string, kind Kind, cause string, ancestor, baseline, other *repo.Tree) *Record {
	r := &Record{
		ID:       RecordID(gid, kind),
		GID:      gid,
		Kind:     kind,
		Cause:    cause,
		Ancestor: ValueOf(ancestor, gid),
		Baseline: ValueOf(baseline, gid),
		Other:    ValueOf(other, gid),
	}
	r.Working = r.Baseline
	r.Path = r.Baseline.Path
	if r.Path == "" {
		r.Path = firstNonEmpty(r.Other.Path, r.Ancestor.Path)
	}
	return r
}

// Validate enforces the record invariants.
func (r *Record) Validate() error {
	if r.GID == "" {
		return fmt.Errorf("conflict has no item")
	}
	if r.ID != RecordID(r.GID, r.Kind) {
		return fmt.Errorf("conflict id %q does not match item %s and kind %s", r.ID, r.GID, r.Kind)
	}
	if !r.Ancestor.Exists && !r.Baseline.Exists && !r.Other.Exists {
		return fmt.Errorf("%s conflict on %s has no existing candidate value", r.Kind, r.GID)
	}
	if r.Kind == Existence && r.Baseline.Exists == r.Other.Exists {
		return fmt.Errorf("existence conflict on %s but both sides agree on existence", r.GID)
	}
	if r.State.Resolved && r.State.Choice == "" {
		return fmt.Errorf("resolved conflict on %s has no accepted choice", r.GID)
	}
	return nil
}

// Candidate returns the value named by choice.
func (r *Record) Candidate(c Choice) Value {
	switch c {
	case ChoiceAncestor:
		return r.Ancestor
	case ChoiceOther:
		return r.Other
	case ChoiceWorking:
		return r.Working
	default:
		return r.Baseline
	}
}

// Resolve moves the record to the accepted choice.
func (r *Record) Resolve(c Choice, overwrite bool) error {
	next, err := Transition(r.State, c, overwrite)
	if errors.Is(err, ErrAlreadyResolved) {
		return verrors.AlreadyResolved(r.Path, r.Kind.String())
	}
	if err != nil {
		return err
	}
	r.State = next
	return nil
}

// Accepted returns the value chosen by the resolution, if resolved.
func (r *Record) Accepted() (Value, bool) {
	if !r.State.Resolved {
		return Value{}, false
	}
	return r.Candidate(r.State.Choice), true
}

// Describe renders the record for listings.
func (r *Record) Describe(verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s conflict, %s", r.Path, r.Kind, r.State)
	if !verbose {
		return b.String()
	}
	fmt.Fprintf(&b, "\n  cause:    %s", r.Cause)
	fmt.Fprintf(&b, "\n  ancestor: %s", r.Ancestor)
	fmt.Fprintf(&b, "\n  baseline: %s", r.Baseline)
	fmt.Fprintf(&b, "\n  other:    %s", r.Other)
	fmt.Fprintf(&b, "\n  working:  %s", r.Working)
	return b.String()
}

// Sort orders records by item path, then kind.
func Sort(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Path != records[j].Path {
			return records[i].Path < records[j].Path
		}
		return records[i].Kind < records[j].Kind
	})
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
