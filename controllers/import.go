package controller

import (
	"context"
	"time"

	"dmailbox/models"
	"dmailbox/store"
	"dmailbox/utils"
)

// ImportDmail merges a resolved dmail document into the local collection.
// Idempotent: a known asset id is left untouched (its tag set in
// particular), so replaying a notice never duplicates or re-flags entries.
// Shared by the foreign-import endpoint and the reconciler.
func ImportDmail(ctx context.Context, s store.Store, ownerDID, assetID string, doc *models.DmailDocument, tags models.TagSet) (bool, error) {
	msg := doc.ToMessage(ownerDID, assetID, tags)
	if msg.Expired(time.Now()) {
		return false, nil
	}
	created, err := s.UpsertMessage(ctx, &msg)
	if err != nil || !created {
		return created, err
	}
	for name, att := range doc.Attachments {
		row := models.Attachment{
			OwnerDID:    ownerDID,
			AssetID:     assetID,
			Name:        name,
			ContentType: att.ContentType,
			Size:        att.Size,
			Data:        att.Data,
		}
		if err := s.PutAttachment(ctx, &row); err != nil {
			return created, err
		}
	}
	return created, nil
}

// ImportPoll merges a resolved poll document. Unlike messages, a known
// poll is refreshed: ballots and results move under the controller's hand
// and the local cache follows.
func ImportPoll(ctx context.Context, s store.Store, ownerDID, assetID string, doc *models.PollDocument) (bool, error) {
	poll := doc.ToPoll(ownerDID, assetID)
	return s.UpsertPoll(ctx, &poll)
}

// MergeBallot records a voter's ballot in a poll the owner controls.
// Last write wins per voter while the poll is open. The same validation
// runs whether the ballot arrived via notice or the controller's own
// self-vote fast path.
func MergeBallot(ctx context.Context, s store.Store, poll *models.Poll, doc *models.BallotDocument, ballotAssetID string) error {
	if doc.Poll != poll.AssetID {
		return utils.NewValidationError("ballot references poll %s, not %s", doc.Poll, poll.AssetID)
	}
	if !poll.Open(time.Now()) {
		return utils.NewPreconditionError("poll %s is past its deadline", poll.AssetID)
	}
	if !models.StringList(poll.Roster).Contains(doc.Voter) {
		return utils.NewValidationError("voter %s is not on the roster", doc.Voter)
	}
	if !models.ValidBallotValue(doc.Value, len(poll.Options)) {
		return utils.NewValidationError("ballot value %d is out of range", doc.Value)
	}
	if poll.Ballots == nil {
		poll.Ballots = models.BallotMap{}
	}
	poll.Ballots[doc.Voter] = ballotAssetID
	return s.SavePoll(ctx, poll)
}
