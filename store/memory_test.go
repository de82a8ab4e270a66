package store

import (
	"context"
	"testing"
	"time"

	"dmailbox/models"
	"dmailbox/utils"
)

const testDID = "did:example:alice"

func testMessage(assetID string, tags models.TagSet) *models.Message {
	return &models.Message{
		OwnerDID:       testDID,
		AssetID:        assetID,
		Sender:         "did:example:bob",
		Subject:        "hello",
		AssetCreatedAt: time.Now(),
		Tags:           tags,
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.UpsertMessage(ctx, testMessage("asset:1", models.TagSet{models.TagInbox, models.TagUnread}))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should report created")
	}

	// Mark read, then replay the import.
	if err := s.SetMessageTags(ctx, testDID, "asset:1", models.TagSet{models.TagInbox}); err != nil {
		t.Fatalf("set tags: %v", err)
	}
	created, err = s.UpsertMessage(ctx, testMessage("asset:1", models.TagSet{models.TagInbox, models.TagUnread}))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("replayed upsert should not report created")
	}

	msg, err := s.GetMessage(ctx, testDID, "asset:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.Tags.Has(models.TagUnread) {
		t.Error("replayed import clobbered the tag set")
	}

	msgs, err := s.ListMessages(ctx, testDID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("replayed import duplicated the row: %d entries", len(msgs))
	}
}

func TestSetMessageTagsUnknownAsset(t *testing.T) {
	s := NewMemoryStore()
	err := s.SetMessageTags(context.Background(), testDID, "asset:none", models.TagSet{models.TagInbox})
	if !utils.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestPurgeMessageDropsAttachments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertMessage(ctx, testMessage("asset:1", models.TagSet{models.TagDraft})); err != nil {
		t.Fatal(err)
	}
	att := &models.Attachment{OwnerDID: testDID, AssetID: "asset:1", Name: "a.txt", Data: []byte("x"), Size: 1}
	if err := s.PutAttachment(ctx, att); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeMessage(ctx, testDID, "asset:1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.GetMessage(ctx, testDID, "asset:1"); !utils.IsNotFound(err) {
		t.Errorf("message survived purge: %v", err)
	}
	if _, err := s.GetAttachment(ctx, testDID, "asset:1", "a.txt"); !utils.IsNotFound(err) {
		t.Errorf("attachment survived purge: %v", err)
	}
}

func TestUpsertPollPreservesLocalBallot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vote := 2

	poll := &models.Poll{
		OwnerDID:   testDID,
		AssetID:    "asset:poll",
		Name:       "lunch",
		Controller: "did:example:carol",
		Options:    models.StringList{"pizza", "sushi"},
		Roster:     models.StringList{testDID},
		Deadline:   time.Now().Add(time.Hour),
		Ballots:    models.BallotMap{},
	}
	if _, err := s.UpsertPoll(ctx, poll); err != nil {
		t.Fatal(err)
	}

	poll.MyBallotID = "asset:ballot"
	poll.MyBallotValue = &vote
	if err := s.SavePoll(ctx, poll); err != nil {
		t.Fatal(err)
	}

	// A refresh from the vault carries no local ballot state.
	refreshed := &models.Poll{
		OwnerDID:   testDID,
		AssetID:    "asset:poll",
		Name:       "lunch",
		Controller: "did:example:carol",
		Options:    models.StringList{"pizza", "sushi"},
		Roster:     models.StringList{testDID},
		Deadline:   poll.Deadline,
		Ballots:    models.BallotMap{testDID: "asset:ballot"},
	}
	created, err := s.UpsertPoll(ctx, refreshed)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("refresh should not report created")
	}

	got, err := s.GetPoll(ctx, testDID, "asset:poll")
	if err != nil {
		t.Fatal(err)
	}
	if got.MyBallotID != "asset:ballot" || got.MyBallotValue == nil || *got.MyBallotValue != 2 {
		t.Errorf("refresh clobbered local ballot state: %+v", got)
	}
	if got.Ballots[testDID] != "asset:ballot" {
		t.Errorf("refresh did not carry the ballot map: %v", got.Ballots)
	}
}

func TestRemoveIdentityCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.EnsureIdentity(ctx, testDID, "Alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertMessage(ctx, testMessage("asset:1", models.TagSet{models.TagInbox})); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveIdentity(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetIdentity(ctx, testDID); !utils.IsNotFound(err) {
		t.Errorf("identity survived removal: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, testDID)
	if len(msgs) != 0 {
		t.Errorf("messages survived identity removal: %d", len(msgs))
	}
}

func TestWithOwnerLockSerializes(t *testing.T) {
	s := NewMemoryStore()
	done := make(chan struct{})
	entered := make(chan struct{})

	go s.WithOwnerLock(testDID, func() error {
		close(entered)
		<-done
		return nil
	})

	<-entered
	second := make(chan struct{})
	go func() {
		s.WithOwnerLock(testDID, func() error { return nil })
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second critical section entered while first held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(done)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second critical section never ran after release")
	}
}
