package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/common"
	"github.com/chatlens/chatlens/internal/insight"
	"github.com/chatlens/chatlens/internal/ledger"
)

type unlockReq struct {
	ChatID     string `json:"chat_id" binding:"required"`
	CategoryID string `json:"category_id" binding:"required"`

	// optional subset; empty means every type in the category
	InsightTypeIDs []string `json:"insight_type_ids"`
}

// Unlock spends coins to start one insight generation job. Retrying the
// same unlock while the job is in flight returns the same job_id and
// costs nothing.
func (h *Handler) Unlock(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req unlockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	ctx := c.Request.Context()

	ch, err := h.ChatRepo.GetChatByChatID(ctx, req.ChatID)
	if err != nil || ch.UserID != uid {
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40410, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50011, "db error")
		return
	}

	typeIDs := req.InsightTypeIDs
	if len(typeIDs) == 0 {
		types, err := insight.TypesForCategory(req.CategoryID)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10020, "unknown category")
			return
		}
		for _, t := range types {
			typeIDs = append(typeIDs, t.ID)
		}
	}

	// fast path: an unlock for this pair is already in flight
	if existing, err := h.InsightSvc.ActiveJob(ctx, req.ChatID, req.CategoryID); err == nil {
		common.Ok(c, gin.H{"job_id": existing.ID, "reused": true})
		return
	} else if !errors.Is(err, insight.ErrJobNotFound) {
		common.Fail(c, http.StatusInternalServerError, 50020, "db error")
		return
	}

	price := h.Cfg.InsightCoinPrice * int64(len(typeIDs))
	reservation, err := h.Ledger.Reserve(ctx, uid, price)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCoins) {
			common.Fail(c, http.StatusPaymentRequired, 10021, "insufficient coins")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50021, "reservation failed")
		return
	}

	job, created, err := h.InsightSvc.CreateJob(ctx, uid, req.ChatID, req.CategoryID, typeIDs, reservation.ID, reservation.Coins)
	if err != nil {
		// the reservation must not leak when nothing was created
		_ = h.Ledger.Refund(ctx, reservation.ID, reservation.Coins)
		switch {
		case errors.Is(err, insight.ErrUnknownCategory), errors.Is(err, insight.ErrUnknownInsightType), errors.Is(err, insight.ErrNoInsightTypes):
			common.Fail(c, http.StatusBadRequest, 10020, "invalid category or insight types")
		default:
			common.Fail(c, http.StatusInternalServerError, 50022, "failed to create job")
		}
		return
	}

	common.Ok(c, gin.H{"job_id": job.ID, "reused": !created, "reserved_coins": job.ReservedCoins})
}

func (h *Handler) GetInsightJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	snap, err := h.InsightSvc.GetStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, insight.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40420, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50023, "db error")
		return
	}

	ch, err := h.ChatRepo.GetChatByChatID(c.Request.Context(), snap.ChatID)
	if err != nil || ch.UserID != uid {
		common.Fail(c, http.StatusNotFound, 40420, "job not found")
		return
	}

	common.Ok(c, snap)
}

func (h *Handler) CancelInsightJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	jobID := c.Param("job_id")
	snap, err := h.InsightSvc.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, insight.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40420, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50023, "db error")
		return
	}

	ch, err := h.ChatRepo.GetChatByChatID(c.Request.Context(), snap.ChatID)
	if err != nil || ch.UserID != uid {
		common.Fail(c, http.StatusNotFound, 40420, "job not found")
		return
	}

	if err := h.InsightSvc.Cancel(c.Request.Context(), jobID); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50024, "cancel failed")
		return
	}
	common.Ok(c, gin.H{"job_id": jobID, "status": "canceled"})
}
