package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bazaar/api/internal/middleware"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/service"
	"github.com/bazaar/api/pkg/response"
)

// CommissionService is implemented by service.CommissionService
type CommissionService interface {
	Get(ctx context.Context, actor string, id int64) (*model.CommissionView, error)
	Finalize(ctx context.Context, actor string, id int64) (*model.FinalizeResponse, error)
	RecordDeposit(ctx context.Context, actor string, id int64, req *model.DepositRequest) (*model.DepositResponse, error)
	SubmitUpdate(ctx context.Context, actor string, id int64, updateNum int, req *model.SubmitUpdateRequest) (*model.Update, error)
	RequestCancel(ctx context.Context, actor string, id int64) (*model.CancelResponse, error)
}

type CommissionHandler struct {
	service   CommissionService
	validator *validator.Validate
}

func NewCommissionHandler(svc CommissionService, v *validator.Validate) *CommissionHandler {
	return &CommissionHandler{
		service:   svc,
		validator: v,
	}
}

// Get handles GET /api/commissions/:commissionId
func (h *CommissionHandler) Get(c *fiber.Ctx) error {
	id, err := commissionID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid commission ID", nil)
	}

	result, err := h.service.Get(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Finalize handles POST /api/commissions/:commissionId/finalize
func (h *CommissionHandler) Finalize(c *fiber.Ctx) error {
	id, err := commissionID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid commission ID", nil)
	}

	result, err := h.service.Finalize(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Deposit handles POST /api/commissions/:commissionId/deposit
func (h *CommissionHandler) Deposit(c *fiber.Ctx) error {
	id, err := commissionID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid commission ID", nil)
	}

	var req model.DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.RecordDeposit(c.Context(), middleware.GetUserID(c), id, &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, result)
}

// SubmitUpdate handles PUT /api/commissions/:commissionId/updates/:updateNum
func (h *CommissionHandler) SubmitUpdate(c *fiber.Ctx) error {
	id, err := commissionID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid commission ID", nil)
	}

	updateNum, err := strconv.Atoi(c.Params("updateNum"))
	if err != nil || updateNum < 0 {
		return response.ValidationError(c, "Invalid update number", nil)
	}

	var req model.SubmitUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitUpdate(c.Context(), middleware.GetUserID(c), id, updateNum, &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/commissions/:commissionId/cancel
func (h *CommissionHandler) Cancel(c *fiber.Ctx) error {
	id, err := commissionID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid commission ID", nil)
	}

	result, err := h.service.RequestCancel(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Subscribe admits a websocket upgrade on /ws/commissions/:commissionId only
// for a party to the commission, and leaves the id in the commissionId local.
func (h *CommissionHandler) Subscribe(c *fiber.Ctx) error {
	id, err := commissionID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid commission ID", nil)
	}

	if _, err := h.service.Get(c.Context(), middleware.GetUserID(c), id); err != nil {
		return serviceError(c, err)
	}

	c.Locals("commissionId", id)
	return c.Next()
}

func commissionID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("commissionId"), 10, 64)
}

func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, "Commission not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrNothingToSubmit), errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrTooManyPictures):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrAlreadyPaid):
		return response.Conflict(c, err.Error())
	default:
		return response.ServiceError(c, "Internal error")
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
