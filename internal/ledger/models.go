package ledger

import "time"

type Wallet struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    uint64    `gorm:"uniqueIndex;not null" json:"-"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationCharged  ReservationStatus = "charged"
	ReservationRefunded ReservationStatus = "refunded"
)

// Reservation is a speculative debit. The coins leave the wallet at
// Reserve time; Charge keeps them, Refund returns some or all of them.
// RefundedCoins < Coins after a refund means the remainder stays charged.
type Reservation struct {
	ID            string            `gorm:"primaryKey;type:varchar(36)"` // UUID
	UserID        uint64            `gorm:"index;not null"`
	Coins         int64             `gorm:"not null"`
	RefundedCoins int64             `gorm:"not null;default:0"`
	Status        ReservationStatus `gorm:"type:varchar(16);index;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Reservation) TableName() string { return "credit_reservations" }
