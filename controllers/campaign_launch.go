package controller

import (
	"propreach/models"
	"propreach/utils"

	"github.com/gofiber/fiber/v2"
)

// StageCampaign enrolls the selected contacts at the entry step and
// generates a staged, fully-rendered email for each. One contact's failure
// never aborts the batch; the response carries aggregate counts.
func (cc *CampaignController) StageCampaign(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c, "Steps.Sections", "Steps.Edges")
	if !ok {
		return nil
	}

	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusStaged {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign must be in draft or staged status",
		})
	}

	var input struct {
		ContactIDs     []uint `json:"contact_ids"`
		ContactListIDs []uint `json:"contact_list_ids"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(input.ContactIDs) == 0 && len(input.ContactListIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No contacts selected",
		})
	}

	if err := utils.ValidateStepGraph(campaign.Steps); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	contacts, err := cc.resolveContacts(input.ContactIDs, input.ContactListIDs)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load contacts",
		})
	}
	if len(contacts) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Selected lists contain no contacts",
		})
	}

	// Every personalized allow-list must resolve against the actual columns
	columns := make(map[string]struct{})
	for i := range contacts {
		for name := range utils.ContactFieldMap(&contacts[i]) {
			columns[name] = struct{}{}
		}
	}
	if err := utils.ValidateSelectedFields(campaign.Steps, columns); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	result, err := cc.Engine.Enroll(campaign, contacts)
	if err != nil {
		cc.Logger.Printf("Enrollment failed for campaign %d: %v", campaign.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enroll contacts",
		})
	}

	if campaign.Status == models.CampaignStatusDraft && result.Enrolled > 0 {
		cc.DB.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusDraft).
			Update("status", models.CampaignStatusStaged)
	}

	return c.JSON(fiber.Map{
		"message": "Campaign staged",
		"result":  result,
	})
}

func (cc *CampaignController) resolveContacts(contactIDs, listIDs []uint) ([]models.Contact, error) {
	ids := make(map[uint]bool, len(contactIDs))
	for _, id := range contactIDs {
		ids[id] = true
	}
	if len(listIDs) > 0 {
		var memberIDs []uint
		if err := cc.DB.Model(&models.ContactListMembership{}).
			Where("contact_list_id IN ?", listIDs).
			Pluck("contact_id", &memberIDs).Error; err != nil {
			return nil, err
		}
		for _, id := range memberIDs {
			ids[id] = true
		}
	}

	all := make([]uint, 0, len(ids))
	for id := range ids {
		all = append(all, id)
	}
	var contacts []models.Contact
	if err := cc.DB.Where("id IN ?", all).Find(&contacts).Error; err != nil {
		return nil, err
	}
	return contacts, nil
}

// LaunchCampaign commits every staged row to a concrete send time computed
// by the working-hours clock, spreading rows across the configured sending
// domains.
func (cc *CampaignController) LaunchCampaign(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	if campaign.Status != models.CampaignStatusStaged {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only staged campaigns can be launched",
		})
	}

	scheduled, err := cc.Engine.Launch(campaign)
	if err != nil {
		cc.Logger.Printf("Launch failed for campaign %d: %v", campaign.ID, err)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message":   "Campaign launched",
		"scheduled": scheduled,
	})
}

// RetryFailedEmails resets this campaign's failed rows to queued with a
// fresh send time, bounded by the configured attempt limit.
func (cc *CampaignController) RetryFailedEmails(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	retried, err := cc.Engine.RetryFailed(campaign.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retry emails",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Failed emails requeued",
		"retried": retried,
	})
}

// GetQueuedEmails lists the campaign's queue rows, optionally filtered by
// status
func (cc *CampaignController) GetQueuedEmails(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := cc.DB.Model(&models.QueuedEmail{}).Where("campaign_id = ?", campaign.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count queued emails",
		})
	}

	var emails []models.QueuedEmail
	if err := query.Order("id").Offset((page - 1) * limit).Limit(limit).Find(&emails).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch queued emails",
		})
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  emails,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// UpdateQueuedEmail edits a staged email's subject or body. Rows past
// staged are immutable to humans.
func (cc *CampaignController) UpdateQueuedEmail(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}
	emailID := utils.ParseUint(c.Params("emailID"))

	var input struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	res := cc.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND campaign_id = ? AND status = ?", emailID, campaign.ID, models.QueueStatusStaged).
		Updates(map[string]interface{}{
			"subject":   input.Subject,
			"body":      input.Body,
			"is_edited": true,
		})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update email",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only staged emails can be edited",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Email updated successfully",
	})
}

// DeleteQueuedEmail removes a staged email from the queue
func (cc *CampaignController) DeleteQueuedEmail(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}
	emailID := utils.ParseUint(c.Params("emailID"))

	res := cc.DB.Where("id = ? AND campaign_id = ? AND status = ?",
		emailID, campaign.ID, models.QueueStatusStaged).
		Delete(&models.QueuedEmail{})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete email",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only staged emails can be deleted",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Email deleted successfully",
	})
}

// RegenerateQueuedEmail re-renders a staged email from its step's current
// content and the stored recipient snapshot, discarding manual edits
func (cc *CampaignController) RegenerateQueuedEmail(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}
	emailID := utils.ParseUint(c.Params("emailID"))

	var email models.QueuedEmail
	if err := cc.DB.Where("id = ? AND campaign_id = ?", emailID, campaign.ID).First(&email).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Email not found",
		})
	}
	if email.Status != models.QueueStatusStaged {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only staged emails can be regenerated",
		})
	}

	var step models.Step
	if err := cc.DB.Preload("Sections").First(&step, email.StepID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Step not found",
		})
	}

	body := cc.Engine.Renderer.RenderStepBody(step, campaign.EmailFormat, email.Metadata)
	res := cc.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND status = ?", email.ID, models.QueueStatusStaged).
		Updates(map[string]interface{}{
			"body":      body,
			"is_edited": false,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Failed to regenerate email",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Email regenerated successfully",
	})
}

// TestSendCampaign sends the entry step to an arbitrary address for review
func (cc *CampaignController) TestSendCampaign(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c, "Steps.Sections", "Steps.Edges")
	if !ok {
		return nil
	}

	var input struct {
		ToEmail string            `json:"to_email" validate:"required,email"`
		Fields  map[string]string `json:"fields"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	entry := utils.EntryStep(campaign.Steps)
	if entry == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign has no steps",
		})
	}

	fields := input.Fields
	if fields == nil {
		fields = map[string]string{"email": input.ToEmail}
	}

	subject := cc.Engine.Renderer.RenderSubject(campaign.SubjectMode, campaign.Subject, campaign.SubjectPrompt, fields)
	body := cc.Engine.Renderer.RenderStepBody(*entry, campaign.EmailFormat, fields)

	messageID, err := cc.Mailer.Send(utils.Email{
		From:    utils.SenderAddress(0),
		To:      input.ToEmail,
		Subject: subject,
		Body:    body,
		HTML:    campaign.EmailFormat != "text",
	})
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "Test send failed",
			"details": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message":    "Test email sent",
		"message_id": messageID,
	})
}
