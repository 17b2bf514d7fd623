package utils

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"propreach/config"
	"propreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and shared
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
	return db
}

func testEngine(t *testing.T) (*SequenceEngine, *gorm.DB) {
	t.Helper()

	orig := config.AppConfig
	t.Cleanup(func() { config.AppConfig = orig })
	config.AppConfig.SendingDomains = []string{"mail.example.com"}
	config.AppConfig.SMTPUsername = "sam@mail.example.com"
	config.AppConfig.MaxSendAttempts = 3

	db := testDB(t)
	// Always-open window so test assertions are not snapped around
	window := SendWindow{Timezone: "UTC", StartHour: 0, EndHour: 24, SkipWeekends: false}
	engine := NewSequenceEngine(db, log.New(io.Discard, "", 0), window, &Renderer{})
	return engine, db
}

type engineFixture struct {
	campaign  models.Campaign
	stepA     models.Step
	stepB     models.Step
	contact   models.Contact
	recipient models.CampaignRecipient
}

// seedCampaign creates a sending campaign with two steps, a contact and an
// active enrollment on the first step. Edges are up to the caller.
func seedCampaign(t *testing.T, db *gorm.DB) engineFixture {
	t.Helper()

	f := engineFixture{
		campaign: models.Campaign{
			UserID:      1,
			Name:        "Sellers",
			Status:      models.CampaignStatusSending,
			EmailFormat: "html",
			SubjectMode: "static",
			Subject:     "Quick question",
		},
	}
	require.NoError(t, db.Create(&f.campaign).Error)

	f.stepA = models.Step{CampaignID: f.campaign.ID, Name: "Follow-up 1"}
	require.NoError(t, db.Create(&f.stepA).Error)
	f.stepB = models.Step{CampaignID: f.campaign.ID, Name: "Follow-up 2"}
	require.NoError(t, db.Create(&f.stepB).Error)

	f.contact = models.Contact{UserID: 1, Email: "jane@example.com", FirstName: "Jane"}
	require.NoError(t, db.Create(&f.contact).Error)

	f.recipient = models.CampaignRecipient{
		CampaignID:    f.campaign.ID,
		ContactID:     f.contact.ID,
		CurrentStepID: Pointer(f.stepA.ID),
		Status:        models.RecipientStatusActive,
	}
	require.NoError(t, db.Create(&f.recipient).Error)
	return f
}

func processingRow(t *testing.T, db *gorm.DB, f engineFixture) models.QueuedEmail {
	t.Helper()
	item := models.QueuedEmail{
		CampaignID: f.campaign.ID,
		StepID:     f.stepA.ID,
		ContactID:  f.contact.ID,
		ToEmail:    f.contact.Email,
		FromEmail:  "sam@mail.example.com",
		Subject:    "Quick question",
		Status:     models.QueueStatusProcessing,
	}
	require.NoError(t, db.Create(&item).Error)
	return item
}

func TestMarkSentDefersOpenedEdge(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	edge := models.StepEdge{
		CampaignID:   f.campaign.ID,
		SourceStepID: f.stepA.ID,
		TargetStepID: f.stepB.ID,
		DelayDays:    2,
		Condition:    "opened",
	}
	require.NoError(t, db.Create(&edge).Error)

	item := processingRow(t, db, f)
	require.NoError(t, engine.MarkSent(&item, "msg-1"))

	// The enrollment waits on the opened edge instead of exiting
	var recipient models.CampaignRecipient
	require.NoError(t, db.First(&recipient, f.recipient.ID).Error)
	assert.Equal(t, models.RecipientStatusActive, recipient.Status)
	require.NotNil(t, recipient.CurrentStepID)
	assert.Equal(t, f.stepB.ID, *recipient.CurrentStepID)

	var pending models.QueuedEmail
	require.NoError(t, db.Where("campaign_id = ? AND contact_id = ? AND status = ?",
		f.campaign.ID, f.contact.ID, models.QueueStatusQueued).First(&pending).Error)
	assert.Equal(t, f.stepB.ID, pending.StepID)
	assert.Equal(t, edge.ID, pending.EdgeID)
	require.NotNil(t, pending.ScheduledFor)
	assert.WithinDuration(t, time.Now().UTC().Add(48*time.Hour), *pending.ScheduledFor, time.Minute)

	// The open arrives during the wait
	require.NoError(t, engine.HandleOpen(f.campaign.ID, f.contact.ID, time.Now().UTC()))

	// At due time the dispatcher claims the row and settles the condition
	require.NoError(t, db.Model(&pending).Update("status", models.QueueStatusProcessing).Error)
	pending.Status = models.QueueStatusProcessing
	proceed, err := engine.ResolvePendingEdge(&pending)
	require.NoError(t, err)
	assert.True(t, proceed)
}

func TestResolvePendingEdgeExitsWhenNeverOpened(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	edge := models.StepEdge{
		CampaignID:   f.campaign.ID,
		SourceStepID: f.stepA.ID,
		TargetStepID: f.stepB.ID,
		DelayDays:    2,
		Condition:    "opened",
	}
	require.NoError(t, db.Create(&edge).Error)

	item := processingRow(t, db, f)
	require.NoError(t, engine.MarkSent(&item, "msg-1"))

	var pending models.QueuedEmail
	require.NoError(t, db.Where("status = ?", models.QueueStatusQueued).First(&pending).Error)
	require.NoError(t, db.Model(&pending).Update("status", models.QueueStatusProcessing).Error)
	pending.Status = models.QueueStatusProcessing

	proceed, err := engine.ResolvePendingEdge(&pending)
	require.NoError(t, err)
	assert.False(t, proceed)

	var row models.QueuedEmail
	require.NoError(t, db.First(&row, pending.ID).Error)
	assert.Equal(t, models.QueueStatusRejected, row.Status)

	var recipient models.CampaignRecipient
	require.NoError(t, db.First(&recipient, f.recipient.ID).Error)
	assert.Equal(t, models.RecipientStatusExited, recipient.Status)
	assert.Equal(t, models.ExitReasonSequenceComplete, recipient.ExitReason)

	var remaining int64
	require.NoError(t, db.Model(&models.QueuedEmail{}).
		Where("status IN ?", []string{models.QueueStatusQueued, models.QueueStatusProcessing}).
		Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestResolvePendingEdgeReroutesAfterOpen(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	stepC := models.Step{CampaignID: f.campaign.ID, Name: "Follow-up 3"}
	require.NoError(t, db.Create(&stepC).Error)

	openedEdge := models.StepEdge{
		CampaignID:   f.campaign.ID,
		SourceStepID: f.stepA.ID,
		TargetStepID: f.stepB.ID,
		DelayDays:    1,
		Condition:    "opened",
	}
	require.NoError(t, db.Create(&openedEdge).Error)
	fallbackEdge := models.StepEdge{
		CampaignID:   f.campaign.ID,
		SourceStepID: f.stepA.ID,
		TargetStepID: stepC.ID,
		DelayDays:    2,
	}
	require.NoError(t, db.Create(&fallbackEdge).Error)

	item := processingRow(t, db, f)
	require.NoError(t, engine.MarkSent(&item, "msg-1"))

	// At send time only the unconditional edge matches
	var pending models.QueuedEmail
	require.NoError(t, db.Where("status = ?", models.QueueStatusQueued).First(&pending).Error)
	assert.Equal(t, stepC.ID, pending.StepID)
	assert.Equal(t, fallbackEdge.ID, pending.EdgeID)

	require.NoError(t, engine.HandleOpen(f.campaign.ID, f.contact.ID, time.Now().UTC()))

	require.NoError(t, db.Model(&pending).Update("status", models.QueueStatusProcessing).Error)
	pending.Status = models.QueueStatusProcessing
	proceed, err := engine.ResolvePendingEdge(&pending)
	require.NoError(t, err)
	assert.False(t, proceed)

	// The stale row is withdrawn and the opened branch scheduled instead
	var row models.QueuedEmail
	require.NoError(t, db.First(&row, pending.ID).Error)
	assert.Equal(t, models.QueueStatusRejected, row.Status)

	var rerouted models.QueuedEmail
	require.NoError(t, db.Where("status = ?", models.QueueStatusQueued).First(&rerouted).Error)
	assert.Equal(t, f.stepB.ID, rerouted.StepID)
	assert.Equal(t, openedEdge.ID, rerouted.EdgeID)

	var recipient models.CampaignRecipient
	require.NoError(t, db.First(&recipient, f.recipient.ID).Error)
	assert.Equal(t, models.RecipientStatusActive, recipient.Status)
	require.NotNil(t, recipient.CurrentStepID)
	assert.Equal(t, f.stepB.ID, *recipient.CurrentStepID)
}

func TestMarkSentNeverCreatesSecondInFlightRow(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	edge := models.StepEdge{
		CampaignID:   f.campaign.ID,
		SourceStepID: f.stepA.ID,
		TargetStepID: f.stepB.ID,
		DelayDays:    2,
	}
	require.NoError(t, db.Create(&edge).Error)

	item := processingRow(t, db, f)
	leftover := models.QueuedEmail{
		CampaignID: f.campaign.ID,
		StepID:     f.stepA.ID,
		ContactID:  f.contact.ID,
		ToEmail:    f.contact.Email,
		FromEmail:  "sam@mail.example.com",
		Subject:    "Quick question",
		Status:     models.QueueStatusQueued,
	}
	require.NoError(t, db.Create(&leftover).Error)

	require.NoError(t, engine.MarkSent(&item, "msg-1"))

	var inFlight int64
	require.NoError(t, db.Model(&models.QueuedEmail{}).
		Where("campaign_id = ? AND contact_id = ? AND status IN ?",
			f.campaign.ID, f.contact.ID,
			[]string{models.QueueStatusQueued, models.QueueStatusProcessing}).
		Count(&inFlight).Error)
	assert.Equal(t, int64(1), inFlight)
}

func TestTerminateRejectsPendingRowsOnly(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	queued := models.QueuedEmail{
		CampaignID: f.campaign.ID,
		StepID:     f.stepA.ID,
		ContactID:  f.contact.ID,
		ToEmail:    f.contact.Email,
		FromEmail:  "sam@mail.example.com",
		Subject:    "Quick question",
		Status:     models.QueueStatusQueued,
	}
	require.NoError(t, db.Create(&queued).Error)
	claimed := processingRow(t, db, f)

	require.NoError(t, engine.HandleReply(f.campaign.ID, f.contact.ID, time.Now().UTC()))

	var recipient models.CampaignRecipient
	require.NoError(t, db.First(&recipient, f.recipient.ID).Error)
	assert.Equal(t, models.RecipientStatusReplied, recipient.Status)
	assert.Equal(t, models.ExitReasonReplied, recipient.ExitReason)
	assert.NotNil(t, recipient.RepliedAt)
	assert.Nil(t, recipient.CurrentStepID)

	var row models.QueuedEmail
	require.NoError(t, db.First(&row, queued.ID).Error)
	assert.Equal(t, models.QueueStatusRejected, row.Status)

	// A row the dispatcher already claimed is left to finish
	var claimedRow models.QueuedEmail
	require.NoError(t, db.First(&claimedRow, claimed.ID).Error)
	assert.Equal(t, models.QueueStatusProcessing, claimedRow.Status)
}

func TestTerminalEnrollmentIsImmutable(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	repliedAt := time.Now().UTC()
	require.NoError(t, engine.HandleReply(f.campaign.ID, f.contact.ID, repliedAt))

	// A later bounce event for the same pair is a no-op on the enrollment
	require.NoError(t, engine.HandleBounce(f.campaign.ID, f.contact.ID, repliedAt.Add(time.Hour)))

	var recipient models.CampaignRecipient
	require.NoError(t, db.First(&recipient, f.recipient.ID).Error)
	assert.Equal(t, models.RecipientStatusReplied, recipient.Status)
	assert.Equal(t, models.ExitReasonReplied, recipient.ExitReason)
	assert.Nil(t, recipient.BouncedAt)
}

func TestCheckAndUpdateCompletedCampaignConcurrent(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	sent := processingRow(t, db, f)
	require.NoError(t, db.Model(&sent).Update("status", models.QueueStatusSent).Error)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			completed, err := engine.CheckAndUpdateCompletedCampaign(f.campaign.ID)
			assert.NoError(t, err)
			results <- completed
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for completed := range results {
		if completed {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	var campaign models.Campaign
	require.NoError(t, db.First(&campaign, f.campaign.ID).Error)
	assert.Equal(t, models.CampaignStatusCompleted, campaign.Status)
	assert.NotNil(t, campaign.CompletedAt)
}

func TestCheckAndUpdateCompletedCampaignNeverCompletesEmpty(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	completed, err := engine.CheckAndUpdateCompletedCampaign(f.campaign.ID)
	require.NoError(t, err)
	assert.False(t, completed)

	var campaign models.Campaign
	require.NoError(t, db.First(&campaign, f.campaign.ID).Error)
	assert.Equal(t, models.CampaignStatusSending, campaign.Status)
}

func TestResetToDraftLeavesNoRows(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	require.NoError(t, db.Model(&f.campaign).Updates(map[string]interface{}{
		"status":           models.CampaignStatusStaged,
		"total_recipients": 1,
	}).Error)
	staged := models.QueuedEmail{
		CampaignID: f.campaign.ID,
		StepID:     f.stepA.ID,
		ContactID:  f.contact.ID,
		ToEmail:    f.contact.Email,
		FromEmail:  "sam@mail.example.com",
		Subject:    "Quick question",
		Status:     models.QueueStatusStaged,
	}
	require.NoError(t, db.Create(&staged).Error)

	require.NoError(t, engine.ResetToDraft(&f.campaign))

	var queueRows, recipients int64
	require.NoError(t, db.Model(&models.QueuedEmail{}).
		Where("campaign_id = ?", f.campaign.ID).Count(&queueRows).Error)
	require.NoError(t, db.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ?", f.campaign.ID).Count(&recipients).Error)
	assert.Zero(t, queueRows)
	assert.Zero(t, recipients)

	var campaign models.Campaign
	require.NoError(t, db.First(&campaign, f.campaign.ID).Error)
	assert.Equal(t, models.CampaignStatusDraft, campaign.Status)
	assert.Zero(t, campaign.TotalRecipients)
}

func TestEnrollSkipsSuppressedAndDuplicates(t *testing.T) {
	engine, db := testEngine(t)
	f := seedCampaign(t, db)

	suppressed := models.Contact{UserID: 1, Email: "gone@example.com", GloballyUnsubscribed: true}
	require.NoError(t, db.Create(&suppressed).Error)
	fresh := models.Contact{UserID: 1, Email: "new@example.com"}
	require.NoError(t, db.Create(&fresh).Error)

	var campaign models.Campaign
	require.NoError(t, db.Preload("Steps.Sections").First(&campaign, f.campaign.ID).Error)

	result, err := engine.Enroll(&campaign, []models.Contact{suppressed, f.contact, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enrolled) // fresh only
	assert.Equal(t, 2, result.Skipped)  // suppressed + already enrolled
	assert.Zero(t, result.Failed)
}
