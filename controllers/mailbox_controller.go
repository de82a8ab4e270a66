package controller

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"dmailbox/middleware"
	"dmailbox/models"
	"dmailbox/store"
	"dmailbox/utils"
)

// MailboxController exposes mailbox-level operations that cut across
// messages and polls. The reconcile function is injected by main so the
// controller does not depend on the worker package.
type MailboxController struct {
	store     store.Store
	logger    *log.Logger
	reconcile func(ctx context.Context, did string) error
}

func NewMailboxController(s store.Store, logger *log.Logger, reconcile func(ctx context.Context, did string) error) *MailboxController {
	return &MailboxController{store: s, logger: logger, reconcile: reconcile}
}

// Reconcile runs one reconciliation pass for the caller immediately
// instead of waiting for the next scheduled tick.
func (mc *MailboxController) Reconcile(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	if err := mc.reconcile(c.Context(), identity.DID); err != nil {
		mc.logger.Printf("On-demand reconcile failed for %s: %v", identity.DID, err)
		return utils.FailResponse(c, err)
	}

	update, err := BuildMailboxUpdate(c.Context(), mc.store, identity.DID)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	return c.JSON(update)
}

// GetCounts returns the current folder counts without touching the vault.
func (mc *MailboxController) GetCounts(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	update, err := BuildMailboxUpdate(c.Context(), mc.store, identity.DID)
	if err != nil {
		return utils.FailResponse(c, err)
	}
	return c.JSON(update)
}

// EmptyTrash purges every entry currently projected into the trash
// folder. Local rows and cached attachments go; the underlying assets
// stay untouched in the vault.
func (mc *MailboxController) EmptyTrash(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	var purged int
	err := mc.store.WithOwnerLock(identity.DID, func() error {
		msgs, err := mc.store.ListMessages(c.Context(), identity.DID)
		if err != nil {
			return err
		}
		for i := range msgs {
			if !models.FolderContains(models.FolderTrash, msgs[i].Tags) {
				continue
			}
			if err := mc.store.PurgeMessage(c.Context(), identity.DID, msgs[i].AssetID); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Trash emptied",
		"purged":  purged,
	})
}

// ExpireMessages drops locally cached entries whose expiry has passed.
// The reconciler calls this each pass; the endpoint exists for clients
// that want an immediate sweep.
func ExpireMessages(ctx context.Context, s store.Store, did string) (int, error) {
	msgs, err := s.ListMessages(ctx, did)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	dropped := 0
	for i := range msgs {
		if !msgs[i].Expired(now) {
			continue
		}
		if err := s.PurgeMessage(ctx, did, msgs[i].AssetID); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// Expire is the endpoint wrapper around ExpireMessages.
func (mc *MailboxController) Expire(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	var dropped int
	err := mc.store.WithOwnerLock(identity.DID, func() error {
		var err error
		dropped, err = ExpireMessages(c.Context(), mc.store, identity.DID)
		return err
	})
	if err != nil {
		return utils.FailResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Expired entries removed",
		"dropped": dropped,
	})
}
