package controller

import (
	"io"
	"log"
	"testing"

	"propreach/config"
	"propreach/models"
	"propreach/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestCampaignController(t *testing.T) (*CampaignController, *gorm.DB) {
	t.Helper()

	orig := config.AppConfig
	t.Cleanup(func() { config.AppConfig = orig })
	config.AppConfig.WebhookSecret = "hook-secret"
	config.AppConfig.SendingDomains = []string{"mail.example.com"}
	config.AppConfig.SMTPUsername = "sam@mail.example.com"

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Contact{},
		&models.Campaign{},
		&models.Step{},
		&models.Section{},
		&models.StepEdge{},
		&models.CampaignRecipient{},
		&models.QueuedEmail{},
	))

	quiet := log.New(io.Discard, "", 0)
	window := utils.SendWindow{Timezone: "UTC", StartHour: 0, EndHour: 24}
	engine := utils.NewSequenceEngine(db, quiet, window, &utils.Renderer{})
	return NewCampaignController(db, quiet, engine, nil), db
}

func TestCollectStatsScopedToOwner(t *testing.T) {
	cc, db := newTestCampaignController(t)

	campaign := models.Campaign{
		UserID:          1,
		Name:            "Sellers",
		Status:          models.CampaignStatusSending,
		TotalRecipients: 2,
	}
	require.NoError(t, db.Create(&campaign).Error)
	require.NoError(t, db.Create(&models.QueuedEmail{
		CampaignID: campaign.ID,
		ToEmail:    "jane@example.com",
		Status:     models.QueueStatusSent,
	}).Error)
	require.NoError(t, db.Create(&models.CampaignRecipient{
		CampaignID: campaign.ID,
		ContactID:  1,
		Status:     models.RecipientStatusReplied,
	}).Error)

	stats, err := cc.collectStats(1, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.ID, stats.CampaignID)
	assert.Equal(t, int64(2), stats.TotalRecipients)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Replied)

	// The same campaign read as another user does not exist
	_, err = cc.collectStats(2, campaign.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
