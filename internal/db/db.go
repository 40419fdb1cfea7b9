package db

import (
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/chatlens/chatlens/internal/chat"
	"github.com/chatlens/chatlens/internal/insight"
	"github.com/chatlens/chatlens/internal/ledger"
	"github.com/chatlens/chatlens/internal/models"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Participant{},
		&ledger.Wallet{},
		&ledger.Reservation{},
		&insight.Job{},
		&insight.Task{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	return gdb
}
