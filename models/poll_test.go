package models

import (
	"testing"
	"time"
)

func TestValidBallotValue(t *testing.T) {
	cases := []struct {
		value, options int
		want           bool
	}{
		{SpoilValue, 3, true},
		{1, 3, true},
		{3, 3, true},
		{4, 3, false},
		{-1, 3, false},
	}
	for _, tc := range cases {
		if got := ValidBallotValue(tc.value, tc.options); got != tc.want {
			t.Errorf("ValidBallotValue(%d, %d) = %v, want %v", tc.value, tc.options, got, tc.want)
		}
	}
}

func TestTally(t *testing.T) {
	options := []string{"yes", "no", "abstain"}

	// One real vote, one spoiled, one member who never voted.
	results := Tally(options, []int{1, SpoilValue}, 3)

	if len(results.Tally) != 3 {
		t.Fatalf("expected 3 tally entries, got %d", len(results.Tally))
	}
	if results.Tally[0].Option != "yes" || results.Tally[0].Count != 1 {
		t.Errorf("unexpected first entry: %+v", results.Tally[0])
	}
	if results.Tally[1].Count != 0 || results.Tally[2].Count != 0 {
		t.Errorf("spoiled ballot leaked into an option: %+v", results.Tally)
	}
	if results.Votes.Eligible != 3 || results.Votes.Received != 2 || results.Votes.Pending != 1 {
		t.Errorf("unexpected turnout: %+v", results.Votes)
	}
}

func TestTallyEmptyBallots(t *testing.T) {
	results := Tally([]string{"a", "b"}, nil, 5)
	if results.Votes.Received != 0 || results.Votes.Pending != 5 {
		t.Errorf("unexpected turnout with no ballots: %+v", results.Votes)
	}
	for _, entry := range results.Tally {
		if entry.Count != 0 {
			t.Errorf("nonzero count with no ballots: %+v", entry)
		}
	}
}

func TestPollOpenAndPublished(t *testing.T) {
	now := time.Now()
	poll := Poll{Deadline: now.Add(time.Hour)}
	if !poll.Open(now) {
		t.Error("poll before deadline should be open")
	}
	if poll.Open(now.Add(2 * time.Hour)) {
		t.Error("poll after deadline should be closed")
	}
	if poll.Published() {
		t.Error("poll without results reported published")
	}
	poll.Results = &PollResults{}
	if !poll.Published() {
		t.Error("poll with results not reported published")
	}
}

func TestPollDocumentRoundTrip(t *testing.T) {
	deadline := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	doc := PollDocument{
		Type:        DocTypePoll,
		Name:        "budget-2026",
		Controller:  "did:example:carol",
		Description: "Approve the budget",
		Options:     []string{"yes", "no"},
		Roster:      RosterDocument{ID: "asset:roster", Members: []string{"did:example:carol", "did:example:dave"}},
		Deadline:    deadline,
		Ballots:     BallotMap{"did:example:dave": "asset:ballot1"},
	}

	poll := doc.ToPoll("did:example:carol", "asset:poll")
	if poll.RosterID != "asset:roster" || len(poll.Roster) != 2 {
		t.Errorf("roster not carried over: %q %v", poll.RosterID, poll.Roster)
	}
	if poll.Ballots["did:example:dave"] != "asset:ballot1" {
		t.Errorf("ballots not carried over: %v", poll.Ballots)
	}

	back := poll.Document()
	if back.Type != DocTypePoll || back.Name != doc.Name || !back.Deadline.Equal(deadline) {
		t.Errorf("rebuilt document diverged: %+v", back)
	}
	if len(back.Roster.Members) != 2 || back.Roster.ID != "asset:roster" {
		t.Errorf("rebuilt roster diverged: %+v", back.Roster)
	}
}
