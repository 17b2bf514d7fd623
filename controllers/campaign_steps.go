package controller

import (
	"errors"
	"fmt"

	"propreach/models"
	"propreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// GetSteps returns the campaign's step graph
func (cc *CampaignController) GetSteps(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c, "Steps.Sections", "Steps.Edges")
	if !ok {
		return nil
	}
	return c.JSON(campaign.Steps)
}

// AddStep appends a step to the sequence. When a previous step exists, an
// unconditional edge from it to the new step is created with the default
// delay.
func (cc *CampaignController) AddStep(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c, "Steps.Edges")
	if !ok {
		return nil
	}

	var input struct {
		Name          string `json:"name"`
		SubjectMode   string `json:"subject_mode" validate:"omitempty,oneof=static generated"`
		Subject       string `json:"subject"`
		SubjectPrompt string `json:"subject_prompt"`
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

	name := input.Name
	if name == "" {
		name = fmt.Sprintf("Follow-up %d", len(campaign.Steps)+1)
	}

	step := models.Step{
		CampaignID:    campaign.ID,
		Name:          name,
		SubjectMode:   defaultString(input.SubjectMode, "static"),
		Subject:       input.Subject,
		SubjectPrompt: input.SubjectPrompt,
	}

	tx := cc.DB.Begin()
	if err := tx.Create(&step).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create step",
		})
	}

	if len(campaign.Steps) > 0 {
		previous := campaign.Steps[len(campaign.Steps)-1]
		edge := models.StepEdge{
			CampaignID:   campaign.ID,
			SourceStepID: previous.ID,
			TargetStepID: step.ID,
			DelayDays:    utils.DefaultStepDelayDays,
		}
		if err := tx.Create(&edge).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to link step",
			})
		}
	}
	tx.Commit()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Step created successfully",
		"step":    step,
	})
}

// DeleteStep removes a step and every edge that references it. Deleting the
// last remaining step is rejected. Predecessor edges are dropped, not
// redirected: the branch simply becomes terminal.
func (cc *CampaignController) DeleteStep(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}
	stepID := utils.ParseUint(c.Params("stepID"))

	var step models.Step
	if err := cc.DB.Where("id = ? AND campaign_id = ?", stepID, campaign.ID).First(&step).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Step not found",
		})
	}

	var stepCount int64
	if err := cc.DB.Model(&models.Step{}).Where("campaign_id = ?", campaign.ID).Count(&stepCount).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count steps",
		})
	}
	if stepCount <= 1 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "A campaign must retain at least one step",
		})
	}

	tx := cc.DB.Begin()
	if err := tx.Where("source_step_id = ? OR target_step_id = ?", step.ID, step.ID).
		Delete(&models.StepEdge{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete step edges",
		})
	}
	if err := tx.Where("step_id = ?", step.ID).Delete(&models.Section{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete step sections",
		})
	}
	if err := tx.Delete(&step).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete step",
		})
	}
	tx.Commit()

	return c.JSON(fiber.Map{
		"message": "Step deleted successfully",
	})
}

// ReorderSteps accepts a full ordering of the campaign's steps and rewires
// the unconditional chain along it. Conditional edges are kept; the result
// must still be a DAG.
func (cc *CampaignController) ReorderSteps(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c, "Steps.Edges")
	if !ok {
		return nil
	}

	var input struct {
		StepIDs []uint `json:"step_ids" validate:"required,min=1"`
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

	byID := make(map[uint]*models.Step, len(campaign.Steps))
	for i := range campaign.Steps {
		byID[campaign.Steps[i].ID] = &campaign.Steps[i]
	}
	if len(input.StepIDs) != len(campaign.Steps) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Ordering must include every step exactly once",
		})
	}
	seen := make(map[uint]bool, len(input.StepIDs))
	for _, id := range input.StepIDs {
		if byID[id] == nil || seen[id] {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Ordering must include every step exactly once",
			})
		}
		seen[id] = true
	}

	// Preserve each step's unconditional delay while rewiring the chain
	delays := make(map[uint]models.StepEdge)
	for _, s := range campaign.Steps {
		for _, e := range s.Edges {
			if e.Condition == "" {
				delays[s.ID] = e
				break
			}
		}
	}

	candidate := make([]models.Step, 0, len(input.StepIDs))
	for i, id := range input.StepIDs {
		step := *byID[id]
		edges := make([]models.StepEdge, 0, len(step.Edges)+1)
		for _, e := range step.Edges {
			if e.Condition != "" {
				edges = append(edges, e)
			}
		}
		if i < len(input.StepIDs)-1 {
			chain := models.StepEdge{
				CampaignID:   campaign.ID,
				SourceStepID: id,
				TargetStepID: input.StepIDs[i+1],
				DelayDays:    utils.DefaultStepDelayDays,
			}
			if prev, ok := delays[id]; ok {
				chain.DelayDays = prev.DelayDays
				chain.DelayHours = prev.DelayHours
				chain.DelayMinutes = prev.DelayMinutes
			}
			edges = append(edges, chain)
		}
		step.Edges = edges
		candidate = append(candidate, step)
	}

	if err := utils.ValidateStepGraph(candidate); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	tx := cc.DB.Begin()
	if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.StepEdge{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to rewire steps",
		})
	}
	for i := range candidate {
		for j := range candidate[i].Edges {
			edge := candidate[i].Edges[j]
			edge.ID = 0
			if err := tx.Create(&edge).Error; err != nil {
				tx.Rollback()
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "Failed to rewire steps",
				})
			}
		}
	}
	tx.Commit()

	return c.JSON(fiber.Map{
		"message": "Steps reordered successfully",
	})
}

type sectionInput struct {
	Label          string   `json:"label" validate:"required"`
	Type           string   `json:"type" validate:"omitempty,oneof=text button"`
	Mode           string   `json:"mode" validate:"omitempty,oneof=static personalized"`
	Content        string   `json:"content"`
	Prompt         string   `json:"prompt"`
	SelectedFields []string `json:"selected_fields"`
	URL            string   `json:"url"`
	OrderIndex     int      `json:"order_index"`
}

type stepEdgeInput struct {
	TargetIndex  int    `json:"target_index" validate:"min=0"`
	DelayDays    int    `json:"delay_days" validate:"min=0"`
	DelayHours   int    `json:"delay_hours" validate:"min=0"`
	DelayMinutes int    `json:"delay_minutes" validate:"min=0"`
	Condition    string `json:"condition" validate:"omitempty,oneof=no_reply opened"`
}

type stepInput struct {
	Name          string          `json:"name" validate:"required"`
	SubjectMode   string          `json:"subject_mode" validate:"omitempty,oneof=static generated"`
	Subject       string          `json:"subject"`
	SubjectPrompt string          `json:"subject_prompt"`
	Sections      []sectionInput  `json:"sections" validate:"dive"`
	Edges         []stepEdgeInput `json:"edges" validate:"dive"`
}

// ReplaceSteps replaces the campaign's entire step graph with the posted
// set, used to sync edited drafts. Steps not present in the new set are
// deleted along with their sections and edges; staged queue rows are
// superseded. Last write wins between concurrent editors.
func (cc *CampaignController) ReplaceSteps(c *fiber.Ctx) error {
	campaign, ok := cc.ownedCampaign(c)
	if !ok {
		return nil
	}

	var input struct {
		Steps []stepInput `json:"steps" validate:"required,min=1,dive"`
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
	if err := validateReplacement(input.Steps); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	err := cc.DB.Transaction(func(tx *gorm.DB) error {
		var oldStepIDs []uint
		if err := tx.Model(&models.Step{}).Where("campaign_id = ?", campaign.ID).
			Pluck("id", &oldStepIDs).Error; err != nil {
			return err
		}

		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.StepEdge{}).Error; err != nil {
			return err
		}
		if len(oldStepIDs) > 0 {
			if err := tx.Where("step_id IN ?", oldStepIDs).Delete(&models.Section{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.Step{}).Error; err != nil {
			return err
		}
		// Staged placeholders rendered from the old graph are superseded
		if err := tx.Where("campaign_id = ? AND status = ?", campaign.ID, models.QueueStatusStaged).
			Delete(&models.QueuedEmail{}).Error; err != nil {
			return err
		}

		stepIDs := make([]uint, len(input.Steps))
		for i, in := range input.Steps {
			step := models.Step{
				CampaignID:    campaign.ID,
				Name:          in.Name,
				SubjectMode:   defaultString(in.SubjectMode, "static"),
				Subject:       in.Subject,
				SubjectPrompt: in.SubjectPrompt,
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
			stepIDs[i] = step.ID

			for _, s := range in.Sections {
				section := models.Section{
					StepID:         step.ID,
					Label:          s.Label,
					Type:           defaultString(s.Type, "text"),
					Mode:           defaultString(s.Mode, "static"),
					Content:        s.Content,
					Prompt:         s.Prompt,
					SelectedFields: s.SelectedFields,
					URL:            s.URL,
					OrderIndex:     s.OrderIndex,
				}
				if err := tx.Create(&section).Error; err != nil {
					return err
				}
			}
		}

		for i, in := range input.Steps {
			for _, e := range in.Edges {
				edge := models.StepEdge{
					CampaignID:   campaign.ID,
					SourceStepID: stepIDs[i],
					TargetStepID: stepIDs[e.TargetIndex],
					DelayDays:    e.DelayDays,
					DelayHours:   e.DelayHours,
					DelayMinutes: e.DelayMinutes,
					Condition:    e.Condition,
				}
				if err := tx.Create(&edge).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		cc.Logger.Printf("Failed to replace steps for campaign %d: %v", campaign.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to replace steps",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Steps replaced successfully",
	})
}

// validateReplacement checks the posted graph before anything is written:
// edge targets must exist, section order must be unique per step, and the
// whole set must be acyclic.
func validateReplacement(steps []stepInput) error {
	candidate := make([]models.Step, len(steps))
	for i, in := range steps {
		orders := make(map[int]bool, len(in.Sections))
		for _, s := range in.Sections {
			if orders[s.OrderIndex] {
				return fmt.Errorf("step %q has duplicate section order %d", in.Name, s.OrderIndex)
			}
			orders[s.OrderIndex] = true
		}

		candidate[i].ID = uint(i + 1)
		for _, e := range in.Edges {
			if e.TargetIndex < 0 || e.TargetIndex >= len(steps) {
				return errors.New("edge target index out of range")
			}
			candidate[i].Edges = append(candidate[i].Edges, models.StepEdge{
				SourceStepID: uint(i + 1),
				TargetStepID: uint(e.TargetIndex + 1),
			})
		}
	}
	return utils.ValidateStepGraph(candidate)
}
