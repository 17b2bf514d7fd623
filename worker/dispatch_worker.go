package worker

import (
	"context"
	"log"
	"time"

	"propreach/config"
	"propreach/models"
	"propreach/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DispatchWorker polls the send queue for due rows, claims them atomically
// and hands them to the mail service. Claiming is a conditional update on
// the row's current status, so two workers never send the same row twice.
type DispatchWorker struct {
	DB     *gorm.DB
	Mailer utils.MailService
	Engine *utils.SequenceEngine
	Logger *log.Logger
}

func NewDispatchWorker(db *gorm.DB, mailer utils.MailService, engine *utils.SequenceEngine, logger *log.Logger) *DispatchWorker {
	return &DispatchWorker{
		DB:     db,
		Mailer: mailer,
		Engine: engine,
		Logger: logger,
	}
}

func (dw *DispatchWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	dw.Logger.Println("Dispatch worker started")

	ticker := time.NewTicker(config.AppConfig.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dw.Logger.Println("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			dw.processDueEmails()
		}
	}
}

func (dw *DispatchWorker) processDueEmails() {
	now := time.Now().UTC()

	var due []models.QueuedEmail
	if err := dw.DB.Where("status = ? AND scheduled_for <= ?", models.QueueStatusQueued, now).
		Order("scheduled_for").
		Limit(config.AppConfig.DispatchBatch).
		Find(&due).Error; err != nil {
		dw.Logger.Printf("Error fetching due emails: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	campaignStatus := make(map[uint]string)
	touched := make(map[uint]bool)

	for i := range due {
		item := &due[i]

		status, err := dw.campaignStatus(item.CampaignID, campaignStatus)
		if err != nil {
			dw.Logger.Printf("Error loading campaign %d: %v", item.CampaignID, err)
			continue
		}
		// Pause is honored at claim time, not by rewriting the queue
		if status != models.CampaignStatusScheduled && status != models.CampaignStatusSending {
			continue
		}

		if !dw.claim(item) {
			continue
		}
		touched[item.CampaignID] = true

		if status == models.CampaignStatusScheduled {
			dw.markSending(item.CampaignID, campaignStatus)
		}

		if dw.withdrawIfTerminal(item) {
			continue
		}

		// Settle the scheduling condition now that the delay has elapsed
		proceed, err := dw.Engine.ResolvePendingEdge(item)
		if err != nil {
			dw.Logger.Printf("Error resolving edge for email %d: %v", item.ID, err)
			continue
		}
		if !proceed {
			continue
		}

		dw.deliver(item)
	}

	for campaignID := range touched {
		completed, err := dw.Engine.CheckAndUpdateCompletedCampaign(campaignID)
		if err != nil {
			dw.Logger.Printf("Completion check failed for campaign %d: %v", campaignID, err)
			continue
		}
		if completed {
			dw.Logger.Printf("Campaign %d completed", campaignID)
		}
	}
}

func (dw *DispatchWorker) campaignStatus(campaignID uint, cache map[uint]string) (string, error) {
	if status, ok := cache[campaignID]; ok {
		return status, nil
	}
	var campaign models.Campaign
	if err := dw.DB.Select("status").First(&campaign, campaignID).Error; err != nil {
		return "", err
	}
	cache[campaignID] = campaign.Status
	return campaign.Status, nil
}

// claim flips a row queued->processing. A zero-row update means another
// worker got there first.
func (dw *DispatchWorker) claim(item *models.QueuedEmail) bool {
	res := dw.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusQueued).
		Update("status", models.QueueStatusProcessing)
	if res.Error != nil {
		dw.Logger.Printf("Error claiming email %d: %v", item.ID, res.Error)
		return false
	}
	return res.RowsAffected > 0
}

func (dw *DispatchWorker) markSending(campaignID uint, cache map[uint]string) {
	res := dw.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignStatusScheduled).
		Update("status", models.CampaignStatusSending)
	if res.Error == nil && res.RowsAffected > 0 {
		cache[campaignID] = models.CampaignStatusSending
	}
}

// withdrawIfTerminal rejects a claimed row whose enrollment ended between
// scheduling and claim (reply, bounce, unsubscribe).
func (dw *DispatchWorker) withdrawIfTerminal(item *models.QueuedEmail) bool {
	var recipient models.CampaignRecipient
	err := dw.DB.Where("campaign_id = ? AND contact_id = ?", item.CampaignID, item.ContactID).
		First(&recipient).Error
	if err != nil || !recipient.Terminal() {
		return false
	}
	if err := dw.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusProcessing).
		Update("status", models.QueueStatusRejected).Error; err != nil {
		dw.Logger.Printf("Error rejecting email %d: %v", item.ID, err)
	}
	return true
}

func (dw *DispatchWorker) deliver(item *models.QueuedEmail) {
	html := dw.isHTML(item.CampaignID)
	body := item.Body
	if html {
		body = utils.InjectOpenPixel(body, config.AppConfig.AppURL, config.AppConfig.UnsubSecret, item.ID)
	}

	messageID, err := dw.Mailer.Send(utils.Email{
		From:    item.FromEmail,
		To:      item.ToEmail,
		Subject: item.Subject,
		Body:    body,
		HTML:    html,
	})

	entry := logrus.WithFields(logrus.Fields{
		"queued_email_id": item.ID,
		"campaign_id":     item.CampaignID,
		"to":              item.ToEmail,
		"domain_index":    item.DomainIndex,
	})

	if err != nil {
		entry.WithError(err).Warn("Delivery failed")
		if markErr := dw.Engine.MarkFailed(item, err); markErr != nil {
			dw.Logger.Printf("Error marking email %d failed: %v", item.ID, markErr)
		}
		return
	}

	entry.WithField("message_id", messageID).Info("Delivered")
	if markErr := dw.Engine.MarkSent(item, messageID); markErr != nil {
		dw.Logger.Printf("Error marking email %d sent: %v", item.ID, markErr)
	}
}

func (dw *DispatchWorker) isHTML(campaignID uint) bool {
	var campaign models.Campaign
	if err := dw.DB.Select("email_format").First(&campaign, campaignID).Error; err != nil {
		return true
	}
	return campaign.EmailFormat != "text"
}
