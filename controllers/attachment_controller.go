package controller

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"

	"dmailbox/middleware"
	"dmailbox/models"
	"dmailbox/resolver"
	"dmailbox/store"
	"dmailbox/utils"
)

type AttachmentController struct {
	store  store.Store
	vault  resolver.Client
	logger *log.Logger
}

func NewAttachmentController(s store.Store, vault resolver.Client, logger *log.Logger) *AttachmentController {
	return &AttachmentController{store: s, vault: vault, logger: logger}
}

// syncAsset pushes the message's current attachment set into the vault
// payload so recipients see the same blobs the sender does.
func (ac *AttachmentController) syncAsset(c *fiber.Ctx, did string, msg *models.Message) error {
	attachments, err := ac.store.ListAttachments(c.Context(), did, msg.AssetID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg.Document(attachments))
	if err != nil {
		return err
	}
	updated, err := ac.vault.UpdateAsset(c.Context(), did, msg.AssetID, payload)
	if err != nil {
		return err
	}
	if !updated {
		return utils.NewPreconditionError("asset %s does not support updates", msg.AssetID)
	}
	return nil
}

// AddAttachment stores a blob against an existing message asset. The
// draft must exist first: there is no asset id to scope the blob to
// before creation.
func (ac *AttachmentController) AddAttachment(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	var req struct {
		Name        string `json:"name" validate:"required"`
		ContentType string `json:"content_type"`
		Data        []byte `json:"data" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.FailResponse(c, err)
	}

	err := ac.store.WithOwnerLock(identity.DID, func() error {
		msg, err := ac.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			if utils.IsNotFound(err) {
				return utils.NewPreconditionError("create the draft before attaching files")
			}
			return err
		}
		if msg.Sender != identity.DID {
			return utils.NewPreconditionError("only the sender can modify attachments")
		}

		att := models.Attachment{
			OwnerDID:    identity.DID,
			AssetID:     assetID,
			Name:        req.Name,
			ContentType: req.ContentType,
			Size:        int64(len(req.Data)),
			Data:        req.Data,
		}
		if err := ac.store.PutAttachment(c.Context(), &att); err != nil {
			return err
		}
		return ac.syncAsset(c, identity.DID, msg)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
	})
}

func (ac *AttachmentController) RemoveAttachment(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")
	name := c.Params("name")

	err := ac.store.WithOwnerLock(identity.DID, func() error {
		msg, err := ac.store.GetMessage(c.Context(), identity.DID, assetID)
		if err != nil {
			return err
		}
		if msg.Sender != identity.DID {
			return utils.NewPreconditionError("only the sender can modify attachments")
		}
		if err := ac.store.RemoveAttachment(c.Context(), identity.DID, assetID, name); err != nil {
			return err
		}
		return ac.syncAsset(c, identity.DID, msg)
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ListAttachments returns metadata only, never bytes.
func (ac *AttachmentController) ListAttachments(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")

	if _, err := ac.store.GetMessage(c.Context(), identity.DID, assetID); err != nil {
		return utils.FailResponse(c, err)
	}

	attachments, err := ac.store.ListAttachments(c.Context(), identity.DID, assetID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch attachments",
		})
	}

	metas := make(map[string]models.AttachmentMeta, len(attachments))
	for _, att := range attachments {
		metas[att.Name] = att.Meta()
	}
	return c.JSON(metas)
}

func (ac *AttachmentController) FetchAttachment(c *fiber.Ctx) error {
	identity := middleware.Identity(c)
	assetID := c.Params("id")
	name := c.Params("name")

	att, err := ac.store.GetAttachment(c.Context(), identity.DID, assetID, name)
	if err != nil {
		return utils.FailResponse(c, err)
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set("Content-Type", contentType)
	c.Set("Content-Disposition", `attachment; filename="`+att.Name+`"`)
	return c.Send(att.Data)
}
