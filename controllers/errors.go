package controller

import (
	"errors"

	"leadflow/services"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
)

// leadIDParam reads :id, rejecting anything that is not a positive integer
func leadIDParam(c *fiber.Ctx) (uint, bool) {
	id := utils.ParseUint(c.Params("id"))
	return id, id != 0
}

// sequenceError maps engine errors onto HTTP statuses
func sequenceError(c *fiber.Ctx, err error, failure string) error {
	var transition *services.TransitionError
	switch {
	case errors.Is(err, services.ErrLeadNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	case errors.As(err, &transition):
		return utils.ErrorResponse(c, fiber.StatusConflict, transition.Error(), nil)
	case errors.Is(err, services.ErrConcurrentUpdate):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead was modified concurrently, please retry", nil)
	case errors.Is(err, services.ErrInvalidLeadStatus):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	default:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, failure, err)
	}
}
