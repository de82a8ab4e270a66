package controller

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"dmailbox/middleware"
	"dmailbox/models"
	"dmailbox/resolver"
	"dmailbox/store"
	"dmailbox/utils"
)

type DmailController struct {
	store  store.Store
	vault  resolver.Client
	logger *log.Logger
}

func NewDmailController(s store.Store, vault resolver.Client, logger *log.Logger) *DmailController {
	return &DmailController{store: s, vault: vault, logger: logger}
}

type draftRequest struct {
	To        []string   `json:"to"`
	Cc        []string   `json:"cc"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	ReplyTo   string     `json:"reply_to"`
	ExpiresAt *time.Time `json:"expires_at"`
	Registry  string     `json:"registry"`
}

// CreateDraft creates the asset in the vault right away and tags it draft
// locally. Attachments need an asset id to hang off, so creation cannot
// wait for send.
func (dc *DmailController) CreateDraft(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// Fail fast, before any vault call: no recipients, no draft.
	if len(req.To) == 0 {
		return utils.FailResponse(c, utils.NewValidationError("recipients required"))
	}

	registry := req.Registry
	if registry == "" {
		registry = identity.DefaultRegistry
	}

	doc := models.DmailDocument{
		Type:    models.DocTypeDmail,
		Sender:  identity.DID,
		To:      req.To,
		Cc:      req.Cc,
		Subject: req.Subject,
		Body:    req.Body,
		Created: time.Now().UTC(),
		ReplyTo: req.ReplyTo,
		Expires: req.ExpiresAt,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode draft",
		})
	}

	// Recipients become readers at creation; the vault re-keys on its
	// side if the recipient list changes before send.
	readers := append(append([]string{}, req.To...), req.Cc...)
	assetID, err := dc.vault.CreateAsset(c.Context(), identity.DID, payload, registry, readers)
	if err != nil {
		dc.logger.Printf("Failed to create draft asset: %v", err)
		return utils.FailResponse(c, err)
	}

	msg := doc.ToMessage(identity.DID, assetID, models.TagSet{models.TagDraft})
	if _, err := dc.store.UpsertMessage(c.Context(), &msg); err != nil {
		dc.logger.Printf("Failed to cache draft %s: %v", assetID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store draft",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"asset_id": assetID,
	})
}

// UpdateDraft overwrites the content fields of an owned message. Drafts
// are always updatable; a sent dmail stays updatable because the dmail
// asset type supports post-send owner updates. Tags never change here.
func (dc *DmailController) UpdateDraft(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")
	if assetID == "" {
		return utils.FailResponse(c, utils.NewValidationError("asset id required"))
	}

	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.To) == 0 {
		return utils.FailResponse(c, utils.NewValidationError("recipients required"))
	}

	err := dc.store.WithOwnerLock(identity.DID, func() error {
		msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		if msg.Sender != identity.DID {
			return utils.NewPreconditionError("only the sender can update a dmail")
		}

		msg.To = models.StringList(req.To)
		msg.Cc = models.StringList(req.Cc)
		msg.Subject = req.Subject
		msg.Body = req.Body
		msg.ExpiresAt = req.ExpiresAt

		attachments, err := dc.store.ListAttachments(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(msg.Document(attachments))
		if err != nil {
			return err
		}
		updated, err := dc.vault.UpdateAsset(c.Context(), identity.DID, assetID, payload)
		if err != nil {
			return err
		}
		if !updated {
			return utils.NewPreconditionError("asset %s does not support updates", assetID)
		}

		return dc.store.UpdateMessage(c.Context(), msg)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Draft updated successfully",
	})
}

// SendDmail dispatches the notice to every recipient. All-or-nothing from
// the caller's side: on failure the draft tag stays and the draft remains
// available for retry.
func (dc *DmailController) SendDmail(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	err := dc.store.WithOwnerLock(identity.DID, func() error {
		msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		if msg.Tags.Lacks(models.TagDraft) {
			return utils.NewPreconditionError("dmail %s has already been sent", assetID)
		}

		recipients := append(append([]string{}, msg.To...), msg.Cc...)
		validUntil := time.Now().Add(models.DefaultNoticeValidity)
		if msg.ExpiresAt != nil && msg.ExpiresAt.Before(validUntil) {
			validUntil = *msg.ExpiresAt
		}

		if _, err := dc.vault.SendNotice(c.Context(), identity.DID, recipients, []string{assetID}, validUntil); err != nil {
			return &utils.DistributionError{AssetID: assetID, Err: err}
		}

		newTags := msg.Tags.Without(models.TagDraft).With(models.TagSent)
		return dc.store.SetMessageTags(c.Context(), identity.DID, assetID, newTags)
	})
	if err != nil {
		if utils.IsDistribution(err) {
			utils.LogError("notice_dispatch_failed", err, map[string]interface{}{
				"did":      identity.DID,
				"asset_id": assetID,
			})
		}
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message":  "Dmail sent successfully",
		"asset_id": assetID,
	})
}

// ImportForeign pulls in an asset id handed over out of band (no notice).
func (dc *DmailController) ImportForeign(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	var req struct {
		AssetID string `json:"asset_id" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.FailResponse(c, err)
	}

	plaintext, err := dc.vault.Decrypt(c.Context(), identity.DID, req.AssetID)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	docType, err := models.SniffDocumentType(plaintext)
	if err != nil || docType != models.DocTypeDmail {
		return c.JSON(fiber.Map{"imported": false})
	}
	doc, err := models.ParseDmailDocument(plaintext)
	if err != nil {
		return c.JSON(fiber.Map{"imported": false})
	}

	var imported bool
	err = dc.store.WithOwnerLock(identity.DID, func() error {
		created, err := ImportDmail(c.Context(), dc.store, identity.DID, req.AssetID, doc, models.TagSet{models.TagInbox})
		imported = created
		return err
	})
	if err != nil {
		dc.logger.Printf("Failed to import asset %s: %v", req.AssetID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to import asset",
		})
	}

	return c.JSON(fiber.Map{"imported": imported})
}

// GetMessages projects a folder view over the local collection.
func (dc *DmailController) GetMessages(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	folder := models.Folder(c.Query("folder", string(models.FolderInbox)))
	sortKey := models.SortKey(c.Query("sort", string(models.SortByDate)))
	ascending := c.Query("order", "desc") == "asc"
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	search := strings.ToLower(c.Query("search"))

	if !models.ValidFolder(folder) {
		return utils.FailResponse(c, utils.NewValidationError("unknown folder %q", folder))
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	all, err := dc.store.ListMessages(c.Context(), identity.DID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch messages",
		})
	}

	now := time.Now()
	visible := make([]models.Message, 0, len(all))
	for _, m := range all {
		if m.Expired(now) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(m.Subject), search) &&
			!strings.Contains(strings.ToLower(m.Body), search) {
			continue
		}
		visible = append(visible, m)
	}

	projected := models.ProjectFolder(visible, folder, sortKey, ascending)
	total := len(projected)

	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	summaries := make([]models.Summary, 0, end-start)
	for _, m := range projected[start:end] {
		summaries = append(summaries, m.Summarize())
	}

	return c.JSON(fiber.Map{
		"data":   summaries,
		"total":  total,
		"page":   page,
		"limit":  limit,
		"folder": folder,
	})
}

// GetMessage returns the full message and clears unread on first read.
func (dc *DmailController) GetMessage(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	var msg *models.Message
	err := dc.store.WithOwnerLock(identity.DID, func() error {
		var err error
		msg, err = dc.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		if msg.Tags.Has(models.TagUnread) {
			newTags := msg.Tags.Without(models.TagUnread)
			if err := dc.store.SetMessageTags(c.Context(), identity.DID, assetID, newTags); err != nil {
				dc.logger.Printf("Failed to mark message %s as read: %v", assetID, err)
			} else {
				msg.Tags = newTags
			}
		}
		return nil
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(msg)
}

// UpdateTags replaces the tag set atomically. Callers compute the new set;
// the engine enforces the closed vocabulary and the origin invariant.
func (dc *DmailController) UpdateTags(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	var req struct {
		Tags models.TagSet `json:"tags"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := req.Tags.Validate(); err != nil {
		return utils.FailResponse(c, utils.NewValidationError("%v", err))
	}

	err := dc.store.WithOwnerLock(identity.DID, func() error {
		msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		// Archiving, deleting and restoring are layered on the origin
		// tag; the origin itself never moves.
		if req.Tags.Origin() != msg.Tags.Origin() {
			return utils.NewValidationError("origin tag cannot change (%s)", msg.Tags.Origin())
		}
		return dc.store.SetMessageTags(c.Context(), identity.DID, assetID, req.Tags)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Tags updated successfully",
	})
}

// GetReplyPrefill returns a composer prefill for reply (or reply-all with
// ?all=true). The source message is never touched.
func (dc *DmailController) GetReplyPrefill(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
	if err != nil {
		return utils.FailResponse(c, err)
	}

	if c.Query("all") == "true" {
		return c.JSON(models.ReplyAllPrefill(msg, identity.DID))
	}
	return c.JSON(models.ReplyPrefill(msg))
}

func (dc *DmailController) GetForwardPrefill(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	return c.JSON(models.ForwardPrefill(msg))
}

// ExportMessage downloads the dmail as an .eml file.
func (dc *DmailController) ExportMessage(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	attachments, err := dc.store.ListAttachments(c.Context(), identity.DID, assetID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch attachments",
		})
	}

	eml, err := utils.ExportEML(msg, attachments)
	if err != nil {
		dc.logger.Printf("Failed to export message %s: %v", assetID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export message",
		})
	}

	c.Set("Content-Type", "message/rfc822")
	c.Set("Content-Disposition", `attachment; filename="dmail.eml"`)
	return c.Send(eml)
}

// PurgeMessage drops a trashed entry from the local cache. The asset
// itself is immutable and remote, so this is cache-local housekeeping.
func (dc *DmailController) PurgeMessage(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	err := dc.store.WithOwnerLock(identity.DID, func() error {
		msg, err := dc.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		if msg.Tags.Lacks(models.TagDeleted) {
			return utils.NewPreconditionError("only trashed messages can be purged")
		}
		return dc.store.PurgeMessage(c.Context(), identity.DID, assetID)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
