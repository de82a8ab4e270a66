package routes

import (
	"context"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	controller "dmailbox/controllers"
	"dmailbox/middleware"
	"dmailbox/resolver"
	"dmailbox/store"
)

// Deps carries everything the route handlers need. The reconcile and
// unpair hooks come from main so the controllers never import the worker
// package.
type Deps struct {
	Store     store.Store
	Vault     resolver.Client
	Hub       *controller.UpdateHub
	Reconcile func(ctx context.Context, did string) error
	OnUnpair  func(did string)
}

func SetupSessionRoutes(app *fiber.App, deps Deps) {
	sessionLogger := log.New(os.Stdout, "SESSION: ", log.Ldate|log.Ltime|log.Lshortfile)
	sessionController := controller.NewSessionController(deps.Store, sessionLogger, deps.OnUnpair)

	session := app.Group("/session", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public endpoints
	session.Post("/pair", sessionController.Pair)
	session.Post("/refresh", sessionController.RefreshToken)

	// Protected endpoints
	protectedSession := session.Group("", middleware.Protected(deps.Store))
	protectedSession.Get("/me", sessionController.GetCurrentIdentity)
	protectedSession.Post("/unpair", sessionController.Unpair)

	sessionLogger.Println("Session routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, deps Deps) {
	dmailController := controller.NewDmailController(deps.Store, deps.Vault, log.New(os.Stdout, "DMAIL: ", log.LstdFlags))
	attachmentController := controller.NewAttachmentController(deps.Store, deps.Vault, log.New(os.Stdout, "ATTACH: ", log.LstdFlags))
	pollController := controller.NewPollController(deps.Store, deps.Vault, log.New(os.Stdout, "POLL: ", log.LstdFlags))
	mailboxController := controller.NewMailboxController(deps.Store, log.New(os.Stdout, "MAILBOX: ", log.LstdFlags), deps.Reconcile)

	api := app.Group("/api/v1", middleware.Protected(deps.Store), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Dmail routes; dispatch is rate limited per identity
	dmail := api.Group("/dmails")
	dmail.Post("/", dmailController.CreateDraft)
	dmail.Get("/", dmailController.GetMessages)
	dmail.Get("/:id", dmailController.GetMessage)
	dmail.Put("/:id", dmailController.UpdateDraft)
	dmail.Post("/:id/send", middleware.DistributeRateLimiter(), dmailController.SendDmail)
	dmail.Put("/:id/tags", dmailController.UpdateTags)
	dmail.Get("/:id/reply", dmailController.GetReplyPrefill)
	dmail.Get("/:id/forward", dmailController.GetForwardPrefill)
	dmail.Get("/:id/export", dmailController.ExportMessage)
	dmail.Delete("/:id", dmailController.PurgeMessage)
	api.Post("/import/:id", dmailController.ImportForeign)

	// Attachment routes hang off the draft they belong to
	attachment := dmail.Group("/:id/attachments")
	attachment.Post("/", attachmentController.AddAttachment)
	attachment.Get("/", attachmentController.ListAttachments)
	attachment.Get("/:name", attachmentController.FetchAttachment)
	attachment.Delete("/:name", attachmentController.RemoveAttachment)

	// Poll routes; casting a ballot distributes an asset, so it shares
	// the dispatch rate limit
	poll := api.Group("/polls")
	poll.Post("/", pollController.CreatePoll)
	poll.Get("/", pollController.GetPolls)
	poll.Get("/:id", pollController.GetPoll)
	poll.Post("/:id/vote", middleware.DistributeRateLimiter(), pollController.CastVote)
	poll.Post("/:id/publish", pollController.PublishResults)
	poll.Post("/:id/unpublish", pollController.UnpublishResults)

	// Mailbox-level operations
	mailbox := api.Group("/mailbox")
	mailbox.Post("/reconcile", mailboxController.Reconcile)
	mailbox.Get("/counts", mailboxController.GetCounts)
	mailbox.Post("/empty-trash", mailboxController.EmptyTrash)
	mailbox.Post("/expire", mailboxController.Expire)

	// WebSocket stream of mailbox updates; authenticates via token query
	// parameter since browsers cannot set headers on WS upgrades
	app.Get("/api/v1/mailbox/updates", websocket.New(controller.HandleMailboxWS(deps.Store, deps.Hub)))

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := deps.Store.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupSessionRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
