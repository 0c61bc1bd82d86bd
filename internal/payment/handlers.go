package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chronopay/chronopay/internal/pagination"
	"github.com/chronopay/chronopay/internal/validation"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.POST("/payments/quote", h.QuotePayment)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/installments", h.ListInstallments)
	r.POST("/payments/:id/cancel", h.CancelPayment)
	r.GET("/payers/:address/payments", h.ListByPayer)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payment_failed",
			"message": "Failed to create payment",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment": p,
		"status":  p.ExternalStatus(),
	})
}

// QuotePayment handles POST /v1/payments/quote
func (h *Handler) QuotePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	q, err := h.service.QuoteRequest(req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	id := c.Param("id")

	p, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment": p,
		"status":  p.ExternalStatus(),
	})
}

// ListInstallments handles GET /v1/payments/:id/installments
func (h *Handler) ListInstallments(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.service.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	insts, err := h.service.Installments(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"installments": insts,
		"count":        len(insts),
	})
}

// CancelRequest identifies the caller of a cancel operation.
type CancelRequest struct {
	Caller string `json:"caller" binding:"required"`
}

// CancelPayment handles POST /v1/payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	id := c.Param("id")

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Caller address is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("caller", req.Caller),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.Cancel(c.Request.Context(), id, req.Caller)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrUnauthorized):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrAlreadyReleased),
			errors.Is(err, ErrNotCancellable),
			errors.Is(err, ErrCancelWindowClosed),
			errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_state"
		}
		resp := gin.H{"error": code, "message": err.Error()}
		if p != nil {
			resp["payment"] = p
			resp["status"] = p.ExternalStatus()
		}
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment": p,
		"status":  p.ExternalStatus(),
	})
}

// ListByPayer handles GET /v1/payers/:address/payments
func (h *Handler) ListByPayer(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid payer address",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid cursor",
		})
		return
	}

	payments, next, hasMore, err := h.service.ListByPayer(c.Request.Context(), address, limit, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"payments": payments,
		"count":    len(payments),
		"hasMore":  hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
