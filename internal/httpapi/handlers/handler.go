package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/chat"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/httpapi/middleware"
	"github.com/chatlens/chatlens/internal/insight"
	"github.com/chatlens/chatlens/internal/ledger"
)

type Handler struct {
	DB         *gorm.DB
	Cfg        config.Config
	ChatRepo   *chat.Repo
	Ledger     *ledger.Ledger
	InsightSvc *insight.Service
}

func NewHandler(db *gorm.DB, cfg config.Config, chatRepo *chat.Repo, lgr *ledger.Ledger, insightSvc *insight.Service) *Handler {
	return &Handler{
		DB:         db,
		Cfg:        cfg,
		ChatRepo:   chatRepo,
		Ledger:     lgr,
		InsightSvc: insightSvc,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
