package worker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"dmailbox/models"
	"dmailbox/resolver"
	"dmailbox/store"
)

const (
	alice = "did:example:alice"
	bob   = "did:example:bob"
	carol = "did:example:carol"
)

func newTestReconciler(t *testing.T) (*Reconciler, store.Store, *resolver.MemoryVault) {
	t.Helper()
	s := store.NewMemoryStore()
	v := resolver.NewMemoryVault()
	logger := log.New(io.Discard, "", 0)
	rw := NewReconciler(s, v, logger, nil, nil, time.Second)
	return rw, s, v
}

func sendDmail(t *testing.T, v *resolver.MemoryVault, from, to, subject string) string {
	t.Helper()
	doc := models.DmailDocument{
		Type:    models.DocTypeDmail,
		Sender:  from,
		To:      []string{to},
		Subject: subject,
		Body:    "hello",
		Created: time.Now().UTC(),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	assetID, err := v.CreateAsset(ctx, from, payload, "", []string{to})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.SendNotice(ctx, from, []string{to}, []string{assetID}, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	return assetID
}

func TestReconcileImportsDmailNotice(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	assetID := sendDmail(t, v, bob, alice, "quarterly numbers")

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	msg, err := s.GetMessage(ctx, alice, assetID)
	if err != nil {
		t.Fatalf("imported message missing: %v", err)
	}
	if !msg.Tags.Has(models.TagInbox) || !msg.Tags.Has(models.TagUnread) {
		t.Errorf("imported message tags = %v, want inbox+unread", msg.Tags)
	}
	if msg.Sender != bob || msg.Subject != "quarterly numbers" {
		t.Errorf("unexpected message content: %+v", msg)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	assetID := sendDmail(t, v, bob, alice, "once")

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	// Mark read, then run two more passes over the same notice stream.
	if err := s.SetMessageTags(ctx, alice, assetID, models.TagSet{models.TagInbox}); err != nil {
		t.Fatal(err)
	}
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("replayed passes duplicated the message: %d rows", len(msgs))
	}
	if msgs[0].Tags.Has(models.TagUnread) {
		t.Error("replayed pass re-flagged the message unread")
	}
}

func TestReconcileMergesBallotNotice(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	// Alice controls the poll; the asset lives in the vault and the cache.
	pollDoc := models.PollDocument{
		Type:        models.DocTypePoll,
		Name:        "lunch",
		Controller:  alice,
		Description: "where to eat",
		Options:     []string{"pizza", "sushi"},
		Roster:      models.RosterDocument{ID: "asset:roster", Members: []string{alice, bob}},
		Deadline:    time.Now().Add(time.Hour),
		Ballots:     models.BallotMap{},
	}
	pollPayload, _ := json.Marshal(pollDoc)
	pollID, err := v.CreateAsset(ctx, alice, pollPayload, "", []string{bob})
	if err != nil {
		t.Fatal(err)
	}
	poll := pollDoc.ToPoll(alice, pollID)
	if _, err := s.UpsertPoll(ctx, &poll); err != nil {
		t.Fatal(err)
	}

	// Bob casts a ballot and notices the controller.
	ballotDoc := models.BallotDocument{Type: models.DocTypeBallot, Poll: pollID, Voter: bob, Value: 2}
	ballotPayload, _ := json.Marshal(ballotDoc)
	ballotID, err := v.CreateAsset(ctx, bob, ballotPayload, "", []string{alice})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.SendNotice(ctx, bob, []string{alice}, []string{ballotID}, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPoll(ctx, alice, pollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ballots[bob] != ballotID {
		t.Errorf("ballot not merged: %v", got.Ballots)
	}

	// The vault copy follows the merge so roster members see the count.
	doc, err := v.Resolve(ctx, pollID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version < 2 {
		t.Errorf("poll asset not updated after merge, version %d", doc.Version)
	}
}

func TestReconcileRescanFindsBoundPolls(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	pollDoc := models.PollDocument{
		Type:        models.DocTypePoll,
		Name:        "budget",
		Controller:  alice,
		Description: "approve",
		Options:     []string{"yes", "no"},
		Roster:      models.RosterDocument{Members: []string{alice}},
		Deadline:    time.Now().Add(time.Hour),
	}
	payload, _ := json.Marshal(pollDoc)
	pollID, err := v.CreateAsset(ctx, alice, payload, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.BindName(ctx, alice, "budget", pollID); err != nil {
		t.Fatal(err)
	}

	// No notice ever arrives; the rescan alone must find it.
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPoll(ctx, alice, pollID)
	if err != nil {
		t.Fatalf("bound poll not imported: %v", err)
	}
	if got.Name != "budget" {
		t.Errorf("unexpected poll: %+v", got)
	}
}

func TestReconcileRefreshesForeignPolls(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	pollDoc := models.PollDocument{
		Type:        models.DocTypePoll,
		Name:        "lunch",
		Controller:  carol,
		Description: "where to eat",
		Options:     []string{"pizza", "sushi"},
		Roster:      models.RosterDocument{Members: []string{alice, carol}},
		Deadline:    time.Now().Add(time.Hour),
		Ballots:     models.BallotMap{},
	}
	payload, _ := json.Marshal(pollDoc)
	pollID, err := v.CreateAsset(ctx, carol, payload, "", []string{alice})
	if err != nil {
		t.Fatal(err)
	}
	imported := pollDoc.ToPoll(alice, pollID)
	vote := 1
	imported.MyBallotID = "asset:myballot"
	imported.MyBallotValue = &vote
	if err := s.SavePoll(ctx, &imported); err != nil {
		t.Fatal(err)
	}

	// Carol merges a ballot and publishes results on her side.
	pollDoc.Ballots = models.BallotMap{alice: "asset:myballot"}
	results := models.Tally(pollDoc.Options, []int{1}, 2)
	pollDoc.Results = &results
	updatedPayload, _ := json.Marshal(pollDoc)
	if _, err := v.UpdateAsset(ctx, carol, pollID, updatedPayload); err != nil {
		t.Fatal(err)
	}

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPoll(ctx, alice, pollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Results == nil {
		t.Fatal("published results did not reach the voter")
	}
	if got.Ballots[alice] != "asset:myballot" {
		t.Errorf("refreshed ballot map: %v", got.Ballots)
	}
	if got.MyBallotID != "asset:myballot" || got.MyBallotValue == nil || *got.MyBallotValue != 1 {
		t.Errorf("refresh clobbered local ballot state: %+v", got)
	}
}

func TestReconcileSweepsExpiredMessages(t *testing.T) {
	rw, s, _ := newTestReconciler(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	msg := models.Message{
		OwnerDID:       alice,
		AssetID:        "asset:old",
		Sender:         bob,
		AssetCreatedAt: past.Add(-time.Hour),
		ExpiresAt:      &past,
		Tags:           models.TagSet{models.TagInbox},
	}
	if _, err := s.UpsertMessage(ctx, &msg); err != nil {
		t.Fatal(err)
	}

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expired message survived the sweep: %d rows", len(msgs))
	}
}

func TestReconcileCancel(t *testing.T) {
	rw, _, v := newTestReconciler(t)
	ctx := context.Background()

	sendDmail(t, v, bob, alice, "never mind")
	rw.Cancel(alice)

	// Cancel outside a pass only clears state; the next pass still runs.
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatalf("reconcile after cancel: %v", err)
	}
}

func TestReconcileSkipsUnreadableAssets(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	// A notice pointing at an asset alice cannot decrypt must not poison
	// the pass for the readable one.
	sealed, err := v.CreateAsset(ctx, bob, []byte(`{"type":"dmail"}`), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	v.SetReaders(sealed, nil)
	readable := sendDmail(t, v, bob, alice, "still here")
	if _, err := v.SendNotice(ctx, bob, []string{alice}, []string{sealed}, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	v.SetReaders(sealed, nil)

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetMessage(ctx, alice, readable); err != nil {
		t.Errorf("readable asset not imported: %v", err)
	}
	if _, err := s.GetMessage(ctx, alice, sealed); err == nil {
		t.Error("unreadable asset appeared in the cache")
	}
}

func TestReconcileRetriesNoticeAfterTransientFailure(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	// The asset arrives before alice can read it; the notice must stay
	// outstanding until the import actually lands.
	assetID := sendDmail(t, v, bob, alice, "patience")
	v.SetReaders(assetID, nil)

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMessage(ctx, alice, assetID); err == nil {
		t.Fatal("unreadable asset appeared in the cache")
	}

	v.SetReaders(assetID, []string{alice})
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	msg, err := s.GetMessage(ctx, alice, assetID)
	if err != nil {
		t.Fatalf("asset not imported once readable: %v", err)
	}
	if !msg.Tags.Has(models.TagInbox) || !msg.Tags.Has(models.TagUnread) {
		t.Errorf("retried import tags = %v, want inbox+unread", msg.Tags)
	}
}

func TestSeenNoticeMarkersExpire(t *testing.T) {
	rw, _, _ := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()

	short := models.Notice{ID: "n-short", ValidUntil: now.Add(20 * time.Millisecond)}
	rw.markNoticeSeen(ctx, alice, short, now)
	if !rw.noticeSeen(ctx, alice, short.ID) {
		t.Fatal("fresh marker not reported as seen")
	}

	time.Sleep(30 * time.Millisecond)
	if rw.noticeSeen(ctx, alice, short.ID) {
		t.Error("expired marker still reported as seen")
	}
	rw.mu.Lock()
	_, lingering := rw.seenNotices[noticeKey(alice, short.ID)]
	rw.mu.Unlock()
	if lingering {
		t.Error("expired marker not pruned from the map")
	}

	// Marking a new notice sweeps stale entries belonging to anyone.
	rw.mu.Lock()
	rw.seenNotices[noticeKey(bob, "n-stale")] = now.Add(-time.Minute)
	rw.mu.Unlock()
	rw.markNoticeSeen(ctx, alice, models.Notice{ID: "n-new", ValidUntil: now.Add(time.Hour)}, time.Now())
	rw.mu.Lock()
	_, lingering = rw.seenNotices[noticeKey(bob, "n-stale")]
	rw.mu.Unlock()
	if lingering {
		t.Error("stale marker survived the sweep")
	}
}

func TestForeignPollRefreshSkipsUnchangedVersions(t *testing.T) {
	rw, s, v := newTestReconciler(t)
	ctx := context.Background()

	pollDoc := models.PollDocument{
		Type:        models.DocTypePoll,
		Name:        "offsite",
		Controller:  carol,
		Description: "pick a week",
		Options:     []string{"june", "july"},
		Roster:      models.RosterDocument{Members: []string{alice, carol}},
		Deadline:    time.Now().Add(time.Hour),
		Ballots:     models.BallotMap{},
	}
	payload, _ := json.Marshal(pollDoc)
	pollID, err := v.CreateAsset(ctx, carol, payload, "", []string{alice})
	if err != nil {
		t.Fatal(err)
	}
	imported := pollDoc.ToPoll(alice, pollID)
	if err := s.SavePoll(ctx, &imported); err != nil {
		t.Fatal(err)
	}

	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPoll(ctx, alice, pollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssetVersion != 1 {
		t.Fatalf("recorded asset version = %d, want 1", got.AssetVersion)
	}

	// With the version unchanged only the metadata lookup runs; revoking
	// read access proves no decrypt is attempted.
	v.SetReaders(pollID, nil)
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetPoll(ctx, alice, pollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "pick a week" {
		t.Errorf("unchanged poll was rewritten: %+v", got)
	}

	// A version bump on the controller's side triggers a real refresh.
	pollDoc.Ballots = models.BallotMap{carol: "asset:carolballot"}
	updatedPayload, _ := json.Marshal(pollDoc)
	if _, err := v.UpdateAsset(ctx, carol, pollID, updatedPayload); err != nil {
		t.Fatal(err)
	}
	v.SetReaders(pollID, []string{alice})
	if err := rw.ReconcileIdentity(ctx, alice); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetPoll(ctx, alice, pollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ballots[carol] != "asset:carolballot" {
		t.Errorf("version bump did not refresh the poll: %v", got.Ballots)
	}
	if got.AssetVersion != 2 {
		t.Errorf("recorded asset version = %d, want 2", got.AssetVersion)
	}
}
