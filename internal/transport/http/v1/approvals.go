package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pairforge/pairforge/internal/domain"
)

// DecideApproval records the user's decision on a pending approval. The run
// polling on it picks the decision up and proceeds or refuses the tool call.
// POST /v1/approvals/:approval_id/decide
func (h *Handler) DecideApproval(c echo.Context) error {
	ctx := c.Request().Context()
	approvalID := c.Param("approval_id")

	var req domain.ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	var status domain.ApprovalStatus
	switch req.Decision {
	case "approve":
		status = domain.ApprovalStatusApproved
	case "reject":
		status = domain.ApprovalStatusRejected
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "decision must be approve or reject"})
	}

	ap, err := h.store.GetApproval(ctx, approvalID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if ap == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "approval not found"})
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "user"
	}

	updated, err := h.store.DecideApproval(ctx, approvalID, status, decidedBy, req.Reason)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !updated {
		return c.JSON(http.StatusConflict, map[string]string{"error": "approval already decided"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": status,
	})
}
