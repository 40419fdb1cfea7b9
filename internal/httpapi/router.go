package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/chat"
	"github.com/chatlens/chatlens/internal/common"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/httpapi/handlers"
	"github.com/chatlens/chatlens/internal/httpapi/middleware"
	"github.com/chatlens/chatlens/internal/insight"
	"github.com/chatlens/chatlens/internal/ledger"
)

func NewRouter(db *gorm.DB, cfg config.Config, chatRepo *chat.Repo, lgr *ledger.Ledger, insightSvc *insight.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, chatRepo, lgr, insightSvc)

	r.GET("/ping", h.Ping)

	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	authGroup.GET("/wallet", h.GetWallet)
	authGroup.POST("/wallet/topup", h.TopUpWallet)

	authGroup.POST("/chats", h.RegisterChat)
	authGroup.GET("/chats/:chat_id", h.GetChat)

	// Insight unlock flow (polled by the client until terminal)
	authGroup.POST("/insights/unlock", h.Unlock)
	authGroup.GET("/insights/jobs/:job_id", h.GetInsightJob)
	authGroup.POST("/insights/jobs/:job_id/cancel", h.CancelInsightJob)

	return r
}
