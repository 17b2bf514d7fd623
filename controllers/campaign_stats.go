package controller

import (
	"time"

	"propreach/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type campaignStats struct {
	CampaignID uint   `json:"campaign_id"`
	Status     string `json:"status"`

	TotalRecipients int64 `json:"total_recipients"`
	Staged          int64 `json:"staged"`
	Queued          int64 `json:"queued"`
	Processing      int64 `json:"processing"`
	Sent            int64 `json:"sent"`
	Failed          int64 `json:"failed"`
	Rejected        int64 `json:"rejected"`

	Active       int64 `json:"active"`
	Replied      int64 `json:"replied"`
	Bounced      int64 `json:"bounced"`
	Unsubscribed int64 `json:"unsubscribed"`
	Exited       int64 `json:"exited"`
	Opened       int64 `json:"opened"`
}

// GetCampaignStats returns queue and enrollment counters for a campaign.
// Reading stats also reconciles completion, so a campaign whose last row
// finished between dispatcher ticks reports completed here.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	if _, err := cc.Engine.CheckAndUpdateCompletedCampaign(campaign.ID); err != nil {
		cc.Logger.Printf("Completion check failed for campaign %d: %v", campaign.ID, err)
	}

	stats, err := cc.collectStats(campaign.UserID, campaign.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to collect stats",
		})
	}

	return c.JSON(stats)
}

// collectStats is scoped to the owning user; a campaign belonging to
// someone else reads as not found.
func (cc *CampaignController) collectStats(userID, campaignID uint) (*campaignStats, error) {
	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", campaignID, userID).
		First(&campaign).Error; err != nil {
		return nil, err
	}

	stats := &campaignStats{
		CampaignID:      campaign.ID,
		Status:          campaign.Status,
		TotalRecipients: int64(campaign.TotalRecipients),
	}

	type statusCount struct {
		Status string
		N      int64
	}

	var queueCounts []statusCount
	if err := cc.DB.Model(&models.QueuedEmail{}).
		Select("status, count(*) as n").
		Where("campaign_id = ?", campaignID).
		Group("status").Scan(&queueCounts).Error; err != nil {
		return nil, err
	}
	for _, qc := range queueCounts {
		switch qc.Status {
		case models.QueueStatusStaged:
			stats.Staged = qc.N
		case models.QueueStatusQueued:
			stats.Queued = qc.N
		case models.QueueStatusProcessing:
			stats.Processing = qc.N
		case models.QueueStatusSent:
			stats.Sent = qc.N
		case models.QueueStatusFailed:
			stats.Failed = qc.N
		case models.QueueStatusRejected:
			stats.Rejected = qc.N
		}
	}

	var recipientCounts []statusCount
	if err := cc.DB.Model(&models.CampaignRecipient{}).
		Select("status, count(*) as n").
		Where("campaign_id = ?", campaignID).
		Group("status").Scan(&recipientCounts).Error; err != nil {
		return nil, err
	}
	for _, rc := range recipientCounts {
		switch rc.Status {
		case models.RecipientStatusActive, models.RecipientStatusSent:
			stats.Active += rc.N
		case models.RecipientStatusReplied:
			stats.Replied = rc.N
		case models.RecipientStatusBounced:
			stats.Bounced = rc.N
		case models.RecipientStatusUnsubscribed:
			stats.Unsubscribed = rc.N
		case models.RecipientStatusExited:
			stats.Exited = rc.N
		}
	}

	if err := cc.DB.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND opened_at IS NOT NULL", campaignID).
		Count(&stats.Opened).Error; err != nil {
		return nil, err
	}

	return stats, nil
}

// HandleCampaignProgressWS streams live campaign stats to the admin UI
// until the client disconnects or the campaign stops moving. The route sits
// behind Protected(), so the connection carries the authenticated user and
// campaigns are scoped to them.
func HandleCampaignProgressWS(cc *CampaignController) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		user, ok := c.Locals("user").(*models.User)
		if !ok {
			return
		}

		var input struct {
			CampaignID uint `json:"campaign_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			return
		}

		var campaign models.Campaign
		if err := cc.DB.Where("id = ? AND user_id = ?", input.CampaignID, user.ID).
			First(&campaign).Error; err != nil {
			return
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			if _, err := cc.Engine.CheckAndUpdateCompletedCampaign(campaign.ID); err != nil {
				return
			}
			stats, err := cc.collectStats(user.ID, campaign.ID)
			if err != nil {
				return
			}
			if err := c.WriteJSON(stats); err != nil {
				return
			}
			switch stats.Status {
			case models.CampaignStatusCompleted, models.CampaignStatusCancelled:
				return
			}
		}
	}
}
