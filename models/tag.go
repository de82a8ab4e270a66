package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// Tag is a local classification label layered on an asset id. The
// vocabulary is closed: SetTags rejects anything else.
type Tag string

const (
	TagInbox    Tag = "inbox"
	TagSent     Tag = "sent"
	TagDraft    Tag = "draft"
	TagArchived Tag = "archived"
	TagDeleted  Tag = "deleted"
	TagUnread   Tag = "unread"
)

var knownTags = map[Tag]bool{
	TagInbox:    true,
	TagSent:     true,
	TagDraft:    true,
	TagArchived: true,
	TagDeleted:  true,
	TagUnread:   true,
}

// originTags are mutually exclusive and assigned exactly once at creation.
var originTags = []Tag{TagInbox, TagSent, TagDraft}

// TagSet is the per-asset label set. Stored as a JSON array column.
type TagSet []Tag

func (ts TagSet) Has(tag Tag) bool {
	for _, t := range ts {
		if t == tag {
			return true
		}
	}
	return false
}

func (ts TagSet) Lacks(tag Tag) bool { return !ts.Has(tag) }

// Origin returns which of inbox/sent/draft the set carries, or "" if the
// set is malformed.
func (ts TagSet) Origin() Tag {
	for _, o := range originTags {
		if ts.Has(o) {
			return o
		}
	}
	return ""
}

// With returns a copy of the set with tag added (no duplicates).
func (ts TagSet) With(tag Tag) TagSet {
	if ts.Has(tag) {
		return ts.clone()
	}
	out := ts.clone()
	return append(out, tag)
}

// Without returns a copy of the set with tag removed.
func (ts TagSet) Without(tag Tag) TagSet {
	out := make(TagSet, 0, len(ts))
	for _, t := range ts {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

func (ts TagSet) clone() TagSet {
	out := make(TagSet, len(ts))
	copy(out, ts)
	return out
}

// Validate checks the tag set against the engine invariants: known labels
// only, exactly one origin tag, and unread only on received assets.
func (ts TagSet) Validate() error {
	origins := 0
	for _, t := range ts {
		if !knownTags[t] {
			return fmt.Errorf("unknown tag %q", t)
		}
	}
	for _, o := range originTags {
		if ts.Has(o) {
			origins++
		}
	}
	if origins != 1 {
		return fmt.Errorf("tag set must carry exactly one of inbox/sent/draft, has %d", origins)
	}
	if ts.Has(TagUnread) && ts.Lacks(TagInbox) {
		return fmt.Errorf("unread is only valid on inbox assets")
	}
	return nil
}

// Equal compares two sets regardless of element order.
func (ts TagSet) Equal(other TagSet) bool {
	if len(ts) != len(other) {
		return false
	}
	a := ts.sorted()
	b := other.sorted()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (ts TagSet) sorted() TagSet {
	out := ts.clone()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Value implements driver.Valuer so gorm stores the set as JSON text.
func (ts TagSet) Value() (driver.Value, error) {
	if ts == nil {
		ts = TagSet{}
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (ts *TagSet) Scan(value interface{}) error {
	if value == nil {
		*ts = TagSet{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, ts)
	case string:
		return json.Unmarshal([]byte(v), ts)
	default:
		return fmt.Errorf("cannot scan %T into TagSet", value)
	}
}
