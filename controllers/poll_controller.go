package controller

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"dmailbox/middleware"
	"dmailbox/models"
	"dmailbox/resolver"
	"dmailbox/store"
	"dmailbox/utils"
)

type PollController struct {
	store  store.Store
	vault  resolver.Client
	logger *log.Logger
}

func NewPollController(s store.Store, vault resolver.Client, logger *log.Logger) *PollController {
	return &PollController{store: s, vault: vault, logger: logger}
}

// CreatePoll validates the template and publishes the poll asset. The
// constraints are checked in a fixed order and the first failure is the
// one reported; nothing is created or bound until all of them pass.
func (pc *PollController) CreatePoll(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	var req struct {
		Name        string    `json:"name"`
		Description string    `json:"description"`
		Options     []string  `json:"options"`
		RosterID    string    `json:"roster_id"`
		Deadline    time.Time `json:"deadline"`
		Registry    string    `json:"registry"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// 1. Name must be present and free across every bound name, not
	// just polls.
	if req.Name == "" {
		return utils.FailResponse(c, utils.NewValidationError("poll name required"))
	}
	names, err := pc.vault.ListBoundNames(c.Context(), identity.DID)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	if _, taken := names[req.Name]; taken {
		return utils.FailResponse(c, utils.NewValidationError("poll name %q is already bound", req.Name))
	}

	// 2. Description.
	if req.Description == "" {
		return utils.FailResponse(c, utils.NewValidationError("description required"))
	}

	// 3. Roster must resolve to a member list.
	rosterPlain, err := pc.vault.Decrypt(c.Context(), identity.DID, req.RosterID)
	if err != nil {
		return utils.FailResponse(c, utils.NewValidationError("roster %s is not resolvable", req.RosterID))
	}
	var roster models.RosterDocument
	if err := json.Unmarshal(rosterPlain, &roster); err != nil || len(roster.Members) == 0 {
		return utils.FailResponse(c, utils.NewValidationError("roster %s is not resolvable", req.RosterID))
	}
	roster.ID = req.RosterID

	// 4. Deadline.
	if !req.Deadline.After(time.Now()) {
		return utils.FailResponse(c, utils.NewValidationError("deadline must be in the future"))
	}

	// 5. Option count.
	if len(req.Options) < 2 || len(req.Options) > 10 {
		return utils.FailResponse(c, utils.NewValidationError("option count must be between 2 and 10, got %d", len(req.Options)))
	}

	doc := models.PollDocument{
		Type:        models.DocTypePoll,
		Name:        req.Name,
		Controller:  identity.DID,
		Description: req.Description,
		Options:     req.Options,
		Roster:      roster,
		Deadline:    req.Deadline,
		Ballots:     models.BallotMap{},
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode poll",
		})
	}

	registry := req.Registry
	if registry == "" {
		registry = identity.DefaultRegistry
	}
	assetID, err := pc.vault.CreateAsset(c.Context(), identity.DID, payload, registry, roster.Members)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	if err := pc.vault.BindName(c.Context(), identity.DID, req.Name, assetID); err != nil {
		return utils.FailResponse(c, err)
	}

	poll := doc.ToPoll(identity.DID, assetID)
	if _, err := pc.store.UpsertPoll(c.Context(), &poll); err != nil {
		pc.logger.Printf("Failed to cache poll %s: %v", assetID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store poll",
		})
	}

	// Roster members learn about the poll through the notice stream; a
	// dispatch failure leaves the poll intact and the members can still
	// import it by name.
	validUntil := req.Deadline
	if _, err := pc.vault.SendNotice(c.Context(), identity.DID, roster.Members, []string{assetID}, validUntil); err != nil {
		utils.LogError("poll_notice_dispatch_failed", err, map[string]interface{}{
			"did":     identity.DID,
			"poll_id": assetID,
		})
	}

	return c.Status(fiber.StatusCreated).JSON(poll.View(time.Now()))
}

func (pc *PollController) GetPolls(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	polls, err := pc.store.ListPolls(c.Context(), identity.DID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch polls",
		})
	}

	now := time.Now()
	views := make([]models.PollView, 0, len(polls))
	for i := range polls {
		views = append(views, polls[i].View(now))
	}
	return c.JSON(views)
}

func (pc *PollController) GetPoll(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	poll, err := pc.store.GetPoll(c.Context(), identity.DID, c.Params("id"))
	if err != nil {
		return utils.FailResponse(c, err)
	}
	return c.JSON(poll.View(time.Now()))
}

// CastVote creates a ballot asset readable only by the poll controller
// and the voter. The controller's own ballot merges synchronously; every
// other ballot travels to the controller by notice. Both paths run the
// same MergeBallot validation.
func (pc *PollController) CastVote(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	pollID := c.Params("id")

	var req struct {
		Option int  `json:"option"`
		Spoil  bool `json:"spoil"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	value := req.Option
	if req.Spoil {
		value = models.SpoilValue
	}

	err := pc.store.WithOwnerLock(identity.DID, func() error {
		poll, err := pc.store.GetPoll(c.Context(), identity.DID, pollID)
		if err != nil {
			return err
		}
		if !poll.Open(time.Now()) {
			return utils.NewPreconditionError("poll %s is past its deadline", pollID)
		}
		if !models.StringList(poll.Roster).Contains(identity.DID) {
			return utils.NewValidationError("voter %s is not on the roster", identity.DID)
		}
		if !models.ValidBallotValue(value, len(poll.Options)) {
			return utils.NewValidationError("option must be between 1 and %d", len(poll.Options))
		}

		ballotDoc := models.BallotDocument{
			Type:  models.DocTypeBallot,
			Poll:  pollID,
			Voter: identity.DID,
			Value: value,
		}
		payload, err := json.Marshal(ballotDoc)
		if err != nil {
			return err
		}
		ballotID, err := pc.vault.CreateAsset(c.Context(), identity.DID, payload,
			identity.DefaultRegistry, []string{poll.Controller})
		if err != nil {
			return err
		}

		if poll.IsController(identity.DID) {
			// Local fast path: no notice round-trip for the
			// controller's own ballot.
			if err := MergeBallot(c.Context(), pc.store, poll, &ballotDoc, ballotID); err != nil {
				return err
			}
			if err := pc.pushPollAsset(c, identity.DID, poll); err != nil {
				return err
			}
		} else {
			if _, err := pc.vault.SendNotice(c.Context(), identity.DID,
				[]string{poll.Controller}, []string{ballotID}, poll.Deadline); err != nil {
				return &utils.DistributionError{AssetID: ballotID, Err: err}
			}
		}

		poll.MyBallotID = ballotID
		poll.MyBallotValue = &value
		return pc.store.SavePoll(c.Context(), poll)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Vote cast successfully",
	})
}

// pushPollAsset mirrors the poll row back into the vault payload.
func (pc *PollController) pushPollAsset(c *fiber.Ctx, did string, poll *models.Poll) error {
	payload, err := json.Marshal(poll.Document())
	if err != nil {
		return err
	}
	updated, err := pc.vault.UpdateAsset(c.Context(), did, poll.AssetID, payload)
	if err != nil {
		return err
	}
	if !updated {
		return utils.NewPreconditionError("poll asset %s does not support updates", poll.AssetID)
	}
	return nil
}

// PublishResults tallies after the deadline and freezes the results onto
// the poll. Ballots that no longer decrypt cleanly count toward turnout
// but toward no option, same as a spoiled vote.
func (pc *PollController) PublishResults(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	pollID := c.Params("id")

	var view models.PollView
	err := pc.store.WithOwnerLock(identity.DID, func() error {
		poll, err := pc.store.GetPoll(c.Context(), identity.DID, pollID)
		if err != nil {
			return err
		}
		if !poll.IsController(identity.DID) {
			return utils.NewPreconditionError("only the poll controller can publish results")
		}
		if poll.Open(time.Now()) {
			return utils.NewPreconditionError("poll %s has not reached its deadline", pollID)
		}
		if poll.Published() {
			view = poll.View(time.Now())
			return nil
		}

		values := make([]int, 0, len(poll.Ballots))
		for voter, ballotID := range poll.Ballots {
			plaintext, err := pc.vault.Decrypt(c.Context(), identity.DID, ballotID)
			if err != nil {
				pc.logger.Printf("Ballot %s from %s is unreadable, counting as spoiled: %v", ballotID, voter, err)
				values = append(values, models.SpoilValue)
				continue
			}
			ballot, err := models.ParseBallotDocument(plaintext)
			if err != nil || ballot.Poll != poll.AssetID {
				pc.logger.Printf("Ballot %s from %s is malformed, counting as spoiled", ballotID, voter)
				values = append(values, models.SpoilValue)
				continue
			}
			values = append(values, ballot.Value)
		}

		results := models.Tally(poll.Options, values, len(poll.Roster))
		poll.Results = &results
		if err := pc.store.SavePoll(c.Context(), poll); err != nil {
			return err
		}
		if err := pc.pushPollAsset(c, identity.DID, poll); err != nil {
			return err
		}
		view = poll.View(time.Now())
		return nil
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(view)
}

// UnpublishResults clears the frozen results. Idempotent.
func (pc *PollController) UnpublishResults(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	pollID := c.Params("id")

	err := pc.store.WithOwnerLock(identity.DID, func() error {
		poll, err := pc.store.GetPoll(c.Context(), identity.DID, pollID)
		if err != nil {
			return err
		}
		if !poll.IsController(identity.DID) {
			return utils.NewPreconditionError("only the poll controller can unpublish results")
		}
		if !poll.Published() {
			return nil
		}
		poll.Results = nil
		if err := pc.store.SavePoll(c.Context(), poll); err != nil {
			return err
		}
		return pc.pushPollAsset(c, identity.DID, poll)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Results unpublished",
	})
}
