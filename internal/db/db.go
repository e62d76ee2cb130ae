package db

import (
	"errors"
	"strings"
	"time"

	"chathub/internal/auth"
	"chathub/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 默认工作区的邀请码，新注册用户会自动加入该工作区。
const DefaultInviteCode = "WELCOME2024"

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
// 以 "sqlite:" 开头的 DSN 使用内嵌 sqlite，便于本地开发和测试。
func Connect(dsn string) (*gorm.DB, error) {
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		return OpenSQLite(path)
	}
	return open(postgres.Open(dsn), 10)
}

// OpenSQLite opens a single-connection sqlite database; ":memory:" gives a private in-memory db.
func OpenSQLite(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// every pooled connection would otherwise see its own in-memory database
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func open(dialector gorm.Dialector, attempts int) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(models.All()...)
}

// Seed 在空库中创建演示用户、默认工作区和 general 频道，重复执行是安全的。
func Seed(gdb *gorm.DB) error {
	var existing models.Workspace
	err := gdb.Where("invite_code = ?", DefaultInviteCode).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	hash, err := auth.HashPassword("demo123")
	if err != nil {
		return err
	}
	return gdb.Transaction(func(tx *gorm.DB) error {
		demo := models.User{Username: "DemoUser", Email: "demo@chathub.local", PasswordHash: hash, Status: models.StatusOffline}
		if err := tx.Create(&demo).Error; err != nil {
			return err
		}
		ws := models.Workspace{
			Name:        "General Workspace",
			Description: "Welcome to ChatHub! This is the default workspace.",
			OwnerID:     demo.ID,
			InviteCode:  DefaultInviteCode,
		}
		if err := tx.Create(&ws).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.WorkspaceMember{WorkspaceID: ws.ID, UserID: demo.ID, Role: "admin"}).Error; err != nil {
			return err
		}
		return tx.Create(&models.Channel{WorkspaceID: ws.ID, Name: "general", Description: "General discussion"}).Error
	})
}
