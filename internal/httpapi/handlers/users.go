package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/auth"
	"github.com/chatlens/chatlens/internal/common"
	"github.com/chatlens/chatlens/internal/ledger"
	"github.com/chatlens/chatlens/internal/models"
)

type createUserReq struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to hash password")
		return
	}

	u := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&u).Error; err != nil {
		common.Fail(c, http.StatusConflict, 10002, "username or email already taken")
		return
	}

	common.Ok(c, gin.H{"id": u.ID, "username": u.Username})
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	var u models.User
	if err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", req.Email).
		First(&u).Error; err != nil {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
		return
	}

	token, err := auth.SignToken(h.Cfg.JWTSecret, u.ID, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to sign token")
		return
	}
	common.Ok(c, gin.H{"token": token})
}

func (h *Handler) Me(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var u models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&u, uid).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "db error")
		return
	}
	common.Ok(c, u)
}

type topUpReq struct {
	Coins int64 `json:"coins" binding:"required,gt=0"`
}

func (h *Handler) TopUpWallet(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req topUpReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	if err := h.Ledger.TopUp(c.Request.Context(), uid, req.Coins); err != nil {
		if err == ledger.ErrInvalidAmount {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid amount")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "topup failed")
		return
	}

	balance, err := h.Ledger.Balance(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "topup failed")
		return
	}
	common.Ok(c, gin.H{"balance": balance})
}

func (h *Handler) GetWallet(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	balance, err := h.Ledger.Balance(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "db error")
		return
	}
	common.Ok(c, gin.H{"balance": balance})
}
