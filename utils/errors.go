package utils

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Typed errors used across the engine. Controllers map them to HTTP
// statuses with HTTPStatus; everything else is treated as a 500.

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

type DecryptionError struct {
	AssetID string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt asset %s: %v", e.AssetID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

type DistributionError struct {
	AssetID string
	Err     error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("failed to distribute asset %s: %v", e.AssetID, e.Err)
}

func (e *DistributionError) Unwrap() error { return e.Err }

type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

func NewPreconditionError(format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsDecryption(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

func IsDistribution(err error) bool {
	var de *DistributionError
	return errors.As(err, &de)
}

func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// HTTPStatus maps an engine error to the status controllers should return.
func HTTPStatus(err error) int {
	switch {
	case IsValidation(err):
		return fiber.StatusBadRequest
	case IsNotFound(err):
		return fiber.StatusNotFound
	case IsDecryption(err):
		return fiber.StatusForbidden
	case IsPrecondition(err):
		return fiber.StatusConflict
	case IsDistribution(err):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// FailResponse writes the standard error body for an engine error.
func FailResponse(c *fiber.Ctx, err error) error {
	return c.Status(HTTPStatus(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}
