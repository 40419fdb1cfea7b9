package chat

import "time"

// Chat is one uploaded conversation. The orchestrator only ever reads
// these rows; upload/parsing happens before any insight job exists.
type Chat struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID       string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"chat_id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	Title        string    `gorm:"type:varchar(255);not null" json:"title"`
	Platform     string    `gorm:"type:varchar(32);not null" json:"platform"`
	MessageCount int       `gorm:"not null" json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

type Participant struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID string `gorm:"type:varchar(26);not null;index:uniq_chat_participant,unique,priority:1" json:"-"`
	Name   string `gorm:"type:varchar(128);not null;index:uniq_chat_participant,unique,priority:2" json:"name"`
	IsSelf bool   `gorm:"not null" json:"is_self"`
}

func (Participant) TableName() string { return "chat_participants" }
