package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"dmailbox/config"
	"dmailbox/middleware"
	"dmailbox/store"
	"dmailbox/utils"
)

type SessionController struct {
	store  store.Store
	logger *log.Logger
	// onUnpair lets main wire in reconciler cancellation without an
	// import cycle.
	onUnpair func(did string)
}

func NewSessionController(s store.Store, logger *log.Logger, onUnpair func(did string)) *SessionController {
	return &SessionController{store: s, logger: logger, onUnpair: onUnpair}
}

// Pair exchanges the wallet pairing secret for a session token scoped to
// one identity DID. The wallet owns the keys; the engine only records the
// DID and hands out JWTs.
func (sc *SessionController) Pair(c *fiber.Ctx) error {
	var req struct {
		DID         string `json:"did" validate:"required"`
		DisplayName string `json:"display_name"`
		Registry    string `json:"registry"`
		Secret      string `json:"secret" validate:"required"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.FailResponse(c, err)
	}

	if err := bcrypt.CompareHashAndPassword(
		[]byte(config.AppConfig.PairingSecretHash), []byte(req.Secret)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid pairing secret",
		})
	}

	registry := req.Registry
	if registry == "" {
		registry = config.AppConfig.DefaultRegistry
	}

	identity, err := sc.store.EnsureIdentity(c.Context(), req.DID, req.DisplayName, registry)
	if err != nil {
		sc.logger.Printf("Failed to pair identity %s: %v", req.DID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pair identity",
		})
	}

	accessToken, refreshToken, err := utils.GenerateJWTToken(identity)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate tokens",
		})
	}

	return c.JSON(fiber.Map{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"identity":      identity,
	})
}

func (sc *SessionController) RefreshToken(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.FailResponse(c, err)
	}

	accessToken, refreshToken, err := utils.RefreshTokens(c.Context(), sc.store, req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired refresh token",
		})
	}

	return c.JSON(fiber.Map{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

func (sc *SessionController) GetCurrentIdentity(c *fiber.Ctx) error {
	return c.JSON(middleware.Identity(c))
}

// Unpair removes the identity and its cached collection. Any in-flight
// reconciliation pass for the identity is cancelled so its results never
// merge into a collection that no longer exists.
func (sc *SessionController) Unpair(c *fiber.Ctx) error {
	identity := middleware.Identity(c)

	if sc.onUnpair != nil {
		sc.onUnpair(identity.DID)
	}

	if err := sc.store.RemoveIdentity(c.Context(), identity.DID); err != nil {
		sc.logger.Printf("Failed to unpair identity %s: %v", identity.DID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to unpair identity",
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}
