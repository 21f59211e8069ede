package utils

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/internal/types"
)

// SuccessResponse sends a standard success response
func SuccessResponse(c *fiber.Ctx, data interface{}, status int) error {
	return c.Status(status).JSON(data)
}

// ErrorResponse sends a standard error response
func ErrorResponse(c *fiber.Ctx, message string, status int, errorType string) error {
	return c.Status(status).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"ok":        false,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       c.OriginalURL(),
		"type":      errorType,
	})
}

// StatusForKind maps the kernel error taxonomy to HTTP statuses.
func StatusForKind(k types.Kind) int {
	switch k {
	case types.KindValidation:
		return fiber.StatusBadRequest
	case types.KindAccess:
		return fiber.StatusForbidden
	case types.KindMissing:
		return fiber.StatusNotFound
	case types.KindUser:
		return fiber.StatusUnprocessableEntity
	case types.KindConcurrency:
		return fiber.StatusConflict
	case types.KindIntegration:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// KernelErrorResponse maps a kernel error to the standard error envelope.
// Foreign errors are masked as a generic internal error so internals never
// leak to the caller.
func KernelErrorResponse(c *fiber.Ctx, err error) error {
	kind := types.KindOf(err)
	if kind == types.KindUnknown {
		return ErrorResponse(c, "internal server error", fiber.StatusInternalServerError, "internal")
	}
	return ErrorResponse(c, err.Error(), StatusForKind(kind), kind.String())
}

// NotFoundResponse sends a 404 not found response
func NotFoundResponse(c *fiber.Ctx, message string) error {
	return ErrorResponse(c, message, fiber.StatusNotFound, "missing")
}

// ErrorResponseStruct defines the schema for error responses
type ErrorResponseStruct struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Ok        bool   `json:"ok"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Type      string `json:"type,omitempty"`
}
