package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SpoilValue is the reserved ballot value for a deliberately spoiled vote.
// Real options are 1..len(options).
const SpoilValue = 0

const (
	DocTypePoll   = "poll"
	DocTypeBallot = "ballot"
)

// BallotMap maps voter DID to the ballot asset id currently counted for
// that voter. Last write wins per voter while the poll is open.
type BallotMap map[string]string

func (bm BallotMap) Value() (driver.Value, error) {
	if bm == nil {
		bm = BallotMap{}
	}
	b, err := json.Marshal(bm)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (bm *BallotMap) Scan(value interface{}) error {
	if value == nil {
		*bm = BallotMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, bm)
	case string:
		return json.Unmarshal([]byte(v), bm)
	default:
		return fmt.Errorf("cannot scan %T into BallotMap", value)
	}
}

// TallyEntry is one option's count in the published results.
type TallyEntry struct {
	Option string `json:"option"`
	Count  int    `json:"count"`
}

type Turnout struct {
	Eligible int `json:"eligible"`
	Received int `json:"received"`
	Pending  int `json:"pending"`
}

// PollResults is frozen onto the poll at publish and cleared at unpublish.
type PollResults struct {
	Tally []TallyEntry `json:"tally"`
	Votes Turnout      `json:"votes"`
}

func (r *PollResults) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *PollResults) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("cannot scan %T into PollResults", value)
	}
}

// Poll is the local cache row for a poll asset. Template fields are
// immutable; Ballots and Results are the controller-mutable portion.
type Poll struct {
	gorm.Model
	OwnerDID      string       `gorm:"not null;index:idx_owner_poll,unique" json:"owner_did"`
	AssetID       string       `gorm:"not null;index:idx_owner_poll,unique" json:"asset_id"`
	Name          string       `gorm:"not null" json:"name"`
	Controller    string       `gorm:"not null" json:"controller"`
	Description   string       `gorm:"type:text;not null" json:"description"`
	Options       StringList   `gorm:"type:text" json:"options"`
	RosterID      string       `json:"roster_id"`
	Roster        StringList   `gorm:"type:text" json:"roster"`
	Deadline      time.Time    `gorm:"not null" json:"deadline"`
	Ballots       BallotMap    `gorm:"type:text" json:"ballots"`
	Results       *PollResults `gorm:"type:text" json:"results"`
	MyBallotID    string       `json:"my_ballot_id,omitempty"`
	MyBallotValue *int         `json:"my_ballot_value,omitempty"`
	AssetVersion  int          `json:"asset_version,omitempty"`
}

func (p *Poll) Open(now time.Time) bool      { return now.Before(p.Deadline) }
func (p *Poll) Published() bool              { return p.Results != nil }
func (p *Poll) IsController(did string) bool { return p.Controller == did }

// View is the poll view-model handed to the presentation layer.
type PollView struct {
	AssetID     string       `json:"asset_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Options     []string     `json:"options"`
	Deadline    time.Time    `json:"deadline"`
	Controller  string       `json:"controller"`
	Open        bool         `json:"open"`
	Results     *PollResults `json:"results"`
	MyBallot    *int         `json:"my_ballot"`
	Eligible    int          `json:"eligible"`
	Received    int          `json:"received"`
}

func (p *Poll) View(now time.Time) PollView {
	return PollView{
		AssetID:     p.AssetID,
		Name:        p.Name,
		Description: p.Description,
		Options:     p.Options,
		Deadline:    p.Deadline,
		Controller:  p.Controller,
		Open:        p.Open(now),
		Results:     p.Results,
		MyBallot:    p.MyBallotValue,
		Eligible:    len(p.Roster),
		Received:    len(p.Ballots),
	}
}

// PollDocument is the plaintext JSON payload for a poll asset.
type PollDocument struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Controller  string         `json:"controller"`
	Description string         `json:"description"`
	Options     []string       `json:"options"`
	Roster      RosterDocument `json:"roster"`
	Deadline    time.Time      `json:"deadline"`
	Ballots     BallotMap      `json:"ballots"`
	Results     *PollResults   `json:"results,omitempty"`
}

type RosterDocument struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

func (d *PollDocument) ToPoll(ownerDID, assetID string) Poll {
	ballots := d.Ballots
	if ballots == nil {
		ballots = BallotMap{}
	}
	return Poll{
		OwnerDID:    ownerDID,
		AssetID:     assetID,
		Name:        d.Name,
		Controller:  d.Controller,
		Description: d.Description,
		Options:     StringList(d.Options),
		RosterID:    d.Roster.ID,
		Roster:      StringList(d.Roster.Members),
		Deadline:    d.Deadline,
		Ballots:     ballots,
		Results:     d.Results,
	}
}

// Document rebuilds the vault payload from the cache row. Used by the
// controller when ballots or results change.
func (p *Poll) Document() PollDocument {
	return PollDocument{
		Type:        DocTypePoll,
		Name:        p.Name,
		Controller:  p.Controller,
		Description: p.Description,
		Options:     p.Options,
		Roster:      RosterDocument{ID: p.RosterID, Members: p.Roster},
		Deadline:    p.Deadline,
		Ballots:     p.Ballots,
		Results:     p.Results,
	}
}

// BallotDocument is the plaintext JSON payload for a ballot asset. The
// vault encrypts it so only the poll controller and the voter can read it.
type BallotDocument struct {
	Type  string `json:"type"`
	Poll  string `json:"poll"`
	Voter string `json:"voter"`
	Value int    `json:"value"`
}

// ValidBallotValue checks a vote against the option count: 1..n, or the
// spoil sentinel.
func ValidBallotValue(value, optionCount int) bool {
	return value == SpoilValue || (value >= 1 && value <= optionCount)
}

// Tally counts one vote per option from the decrypted ballot values.
// Spoiled ballots count toward turnout only. Entries come back in option
// order; any presentation-time sort by count is the caller's concern.
func Tally(options []string, values []int, eligible int) PollResults {
	tally := make([]TallyEntry, len(options))
	for i, opt := range options {
		tally[i] = TallyEntry{Option: opt}
	}
	for _, v := range values {
		if v >= 1 && v <= len(options) {
			tally[v-1].Count++
		}
	}
	received := len(values)
	return PollResults{
		Tally: tally,
		Votes: Turnout{
			Eligible: eligible,
			Received: received,
			Pending:  eligible - received,
		},
	}
}
