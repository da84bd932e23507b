package repository

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/database"
	"github.com/noah-isme/crm-realtime-api/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), database.GormConfig())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, organizationID uint, roles ...string) []models.User {
	t.Helper()
	users := make([]models.User, 0, len(roles))
	for i, role := range roles {
		user := models.User{
			OrganizationID: organizationID,
			Name:           fmt.Sprintf("user-%d-%d", organizationID, i),
			Email:          fmt.Sprintf("user-%d-%d@crm.local", organizationID, i),
			Role:           role,
			IsActive:       true,
		}
		require.NoError(t, db.Create(&user).Error)
		users = append(users, user)
	}
	return users
}
