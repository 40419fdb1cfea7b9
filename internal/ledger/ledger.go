package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInsufficientCoins  = errors.New("ledger: insufficient coins")
	ErrReservationUnknown = errors.New("ledger: reservation not found")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
)

// Ledger owns all wallet mutations. Every balance change is a single
// conditional UPDATE so callers never need their own locking.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) TopUp(ctx context.Context, userID uint64, coins int64) error {
	if coins <= 0 {
		return ErrInvalidAmount
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Wallet{}).
			Where("user_id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", coins))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&Wallet{UserID: userID, Balance: coins}).Error
		}
		return nil
	})
}

func (l *Ledger) Balance(ctx context.Context, userID uint64) (int64, error) {
	var w Wallet
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return w.Balance, nil
}

// Reserve debits coins speculatively and records the reservation.
// The conditional UPDATE is the concurrency guard: two racing reserves
// can never overdraw the wallet.
func (l *Ledger) Reserve(ctx context.Context, userID uint64, coins int64) (*Reservation, error) {
	if coins <= 0 {
		return nil, ErrInvalidAmount
	}

	r := &Reservation{
		ID:     uuid.NewString(),
		UserID: userID,
		Coins:  coins,
		Status: ReservationReserved,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Wallet{}).
			Where("user_id = ? AND balance >= ?", userID, coins).
			Update("balance", gorm.Expr("balance - ?", coins))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCoins
		}
		return tx.Create(r).Error
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Charge makes the speculative debit permanent. Idempotent: a second
// call observes the terminal status and no-ops.
func (l *Ledger) Charge(ctx context.Context, reservationID string) error {
	res := l.db.WithContext(ctx).Model(&Reservation{}).
		Where("id = ? AND status = ?", reservationID, ReservationReserved).
		Update("status", ReservationCharged)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return l.requireExists(ctx, reservationID)
	}
	return nil
}

// Refund returns coins (possibly a partial amount) to the wallet. Only
// the first caller to move the reservation out of `reserved` performs
// the credit; retries no-op.
func (l *Ledger) Refund(ctx context.Context, reservationID string, coins int64) error {
	if coins < 0 {
		return ErrInvalidAmount
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Reservation
		if err := tx.Where("id = ?", reservationID).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationUnknown
			}
			return err
		}
		if coins > r.Coins {
			return fmt.Errorf("%w: refund %d exceeds reserved %d", ErrInvalidAmount, coins, r.Coins)
		}

		res := tx.Model(&Reservation{}).
			Where("id = ? AND status = ?", reservationID, ReservationReserved).
			Updates(map[string]any{
				"status":         ReservationRefunded,
				"refunded_coins": coins,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// already charged or refunded
			return nil
		}

		if coins == 0 {
			return nil
		}
		return tx.Model(&Wallet{}).
			Where("user_id = ?", r.UserID).
			Update("balance", gorm.Expr("balance + ?", coins)).Error
	})
}

func (l *Ledger) Get(ctx context.Context, reservationID string) (*Reservation, error) {
	var r Reservation
	if err := l.db.WithContext(ctx).Where("id = ?", reservationID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationUnknown
		}
		return nil, err
	}
	return &r, nil
}

func (l *Ledger) requireExists(ctx context.Context, reservationID string) error {
	var n int64
	if err := l.db.WithContext(ctx).Model(&Reservation{}).
		Where("id = ?", reservationID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationUnknown
	}
	return nil
}
