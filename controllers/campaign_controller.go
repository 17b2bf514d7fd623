package controller

import (
	"log"

	"propreach/models"
	"propreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Engine *utils.SequenceEngine
	Mailer utils.MailService
}

func NewCampaignController(db *gorm.DB, logger *log.Logger, engine *utils.SequenceEngine, mailer utils.MailService) *CampaignController {
	return &CampaignController{
		DB:     db,
		Logger: logger,
		Engine: engine,
		Mailer: mailer,
	}
}

type campaignInput struct {
	Name          string   `json:"name" validate:"required,max=25"`
	Description   string   `json:"description"`
	EmailFormat   string   `json:"email_format" validate:"omitempty,oneof=html text"`
	SubjectMode   string   `json:"subject_mode" validate:"omitempty,oneof=static generated"`
	Subject       string   `json:"subject"`
	SubjectPrompt string   `json:"subject_prompt"`
	SubjectFields []string `json:"subject_fields"`
}

// CreateCampaign creates a draft campaign with a single initial step
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input campaignInput
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

	campaign := models.Campaign{
		UserID:        user.ID,
		Name:          input.Name,
		Description:   input.Description,
		Status:        models.CampaignStatusDraft,
		EmailFormat:   defaultString(input.EmailFormat, "html"),
		SubjectMode:   defaultString(input.SubjectMode, "static"),
		Subject:       input.Subject,
		SubjectPrompt: input.SubjectPrompt,
		SubjectFields: input.SubjectFields,
	}

	tx := cc.DB.Begin()
	if err := tx.Create(&campaign).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	// Every campaign carries at least one step
	step := models.Step{
		CampaignID:  campaign.ID,
		Name:        "Follow-up 1",
		SubjectMode: "static",
	}
	if err := tx.Create(&step).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create initial step",
		})
	}
	tx.Commit()

	campaign.Steps = []models.Step{step}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Campaign created successfully",
		"campaign": campaign,
	})
}

// GetCampaigns returns a list of all campaigns for the user
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).Order("id desc").Find(&campaigns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaigns",
		})
	}

	return c.JSON(campaigns)
}

// GetCampaign returns a single campaign with its steps, sections and edges
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c, "Steps.Sections", "Steps.Edges")
	if !ok {
		return nil
	}
	return c.JSON(campaign)
}

// UpdateCampaign updates campaign details; only draft and staged campaigns
// are editable
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusStaged {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only draft or staged campaigns can be edited",
		})
	}

	var input campaignInput
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

	// Editing a staged campaign supersedes its staged queue entirely
	if campaign.Status == models.CampaignStatusStaged {
		if err := cc.Engine.ResetToDraft(campaign); err != nil {
			cc.Logger.Printf("Failed to reset campaign %d: %v", campaign.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to reset staged campaign",
			})
		}
	}

	campaign.Name = input.Name
	campaign.Description = input.Description
	if input.EmailFormat != "" {
		campaign.EmailFormat = input.EmailFormat
	}
	if input.SubjectMode != "" {
		campaign.SubjectMode = input.SubjectMode
	}
	campaign.Subject = input.Subject
	campaign.SubjectPrompt = input.SubjectPrompt
	campaign.SubjectFields = input.SubjectFields

	if err := cc.DB.Save(campaign).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message":  "Campaign updated successfully",
		"campaign": campaign,
	})
}

// DeleteCampaign deletes a campaign and everything it owns
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	tx := cc.DB.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var stepIDs []uint
	if err := tx.Model(&models.Step{}).Where("campaign_id = ?", campaign.ID).
		Pluck("id", &stepIDs).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign dependencies",
		})
	}

	deletions := []struct {
		model interface{}
		query string
		arg   interface{}
	}{
		{&models.QueuedEmail{}, "campaign_id = ?", campaign.ID},
		{&models.CampaignRecipient{}, "campaign_id = ?", campaign.ID},
		{&models.StepEdge{}, "campaign_id = ?", campaign.ID},
		{&models.Section{}, "step_id IN ?", stepIDs},
		{&models.Step{}, "campaign_id = ?", campaign.ID},
	}
	for _, d := range deletions {
		if len(stepIDs) == 0 && d.query == "step_id IN ?" {
			continue
		}
		if err := tx.Where(d.query, d.arg).Delete(d.model).Error; err != nil {
			tx.Rollback()
			cc.Logger.Printf("Failed to delete related records: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to delete campaign dependencies",
			})
		}
	}

	if err := tx.Delete(campaign).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign",
		})
	}
	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to complete deletion",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign deleted successfully",
	})
}

// PauseCampaign stops the dispatcher from claiming further rows for this
// campaign. Existing queue rows are untouched; the pause takes effect at
// claim time.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	return cc.transition(c, []string{models.CampaignStatusScheduled, models.CampaignStatusSending},
		models.CampaignStatusPaused, "Campaign paused")
}

// ResumeCampaign returns a paused campaign to scheduled
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	return cc.transition(c, []string{models.CampaignStatusPaused},
		models.CampaignStatusScheduled, "Campaign resumed")
}

// CancelCampaign cancels a campaign permanently
func (cc *CampaignController) CancelCampaign(c *fiber.Ctx) error {
	return cc.transition(c, []string{
		models.CampaignStatusStaged, models.CampaignStatusScheduled,
		models.CampaignStatusSending, models.CampaignStatusPaused,
	}, models.CampaignStatusCancelled, "Campaign cancelled")
}

// ResetCampaignToDraft forces a staged campaign back to draft, deleting all
// staged and queued rows and zeroing total_recipients
func (cc *CampaignController) ResetCampaignToDraft(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	if campaign.Status != models.CampaignStatusStaged {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only staged campaigns can be reset to draft",
		})
	}

	if err := cc.Engine.ResetToDraft(campaign); err != nil {
		cc.Logger.Printf("Failed to reset campaign %d: %v", campaign.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reset campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign reset to draft",
	})
}

// transition applies a status change with an optimistic condition on the
// current status.
func (cc *CampaignController) transition(c *fiber.Ctx, from []string, to, message string) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	res := cc.DB.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaign.ID, from).
		Update("status", to)
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign status",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign is not in a valid state for this transition",
		})
	}

	return c.JSON(fiber.Map{
		"message": message,
		"status":  to,
	})
}

// ownedCampaign loads the campaign in the :id param, scoped to the
// authenticated user. Writes the error response itself and returns false
// when the lookup fails.
func (cc *CampaignController) ownedCampaign(c *fiber.Ctx, preloads ...string) (*models.Campaign, bool) {
	user := c.Locals("user").(*models.User)
	campaignID := c.Params("id")

	query := cc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID)
	for _, p := range preloads {
		query = query.Preload(p)
	}

	var campaign models.Campaign
	if err := query.First(&campaign).Error; err != nil {
		_ = c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
		return nil, false
	}
	return &campaign, true
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
