package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/chat"
	"github.com/chatlens/chatlens/internal/common"
)

type registerChatReq struct {
	Title        string   `json:"title" binding:"required"`
	Platform     string   `json:"platform" binding:"required"`
	MessageCount int      `json:"message_count" binding:"required,gt=0"`
	Participants []string `json:"participants" binding:"required,min=1"`
}

// RegisterChat records an uploaded conversation's metadata. Message
// bodies live in the semantic index, not here.
func (h *Handler) RegisterChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req registerChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	chatID, err := chat.NewChatID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to create chat")
		return
	}

	ch := &chat.Chat{
		ChatID:       chatID,
		UserID:       uid,
		Title:        req.Title,
		Platform:     req.Platform,
		MessageCount: req.MessageCount,
	}
	participants := make([]chat.Participant, 0, len(req.Participants))
	for i, name := range req.Participants {
		participants = append(participants, chat.Participant{Name: name, IsSelf: i == 0})
	}

	if err := h.ChatRepo.CreateChat(c.Request.Context(), ch, participants); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to create chat")
		return
	}
	common.Ok(c, gin.H{"chat_id": ch.ChatID})
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ch, err := h.ChatRepo.GetChatByChatID(c.Request.Context(), c.Param("chat_id"))
	if err != nil || ch.UserID != uid {
		if err == nil || err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40410, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50011, "db error")
		return
	}

	participants, err := h.ChatRepo.ListParticipants(c.Request.Context(), ch.ChatID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50011, "db error")
		return
	}
	common.Ok(c, gin.H{"chat": ch, "participants": participants})
}
