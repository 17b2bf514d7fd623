package utils

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"propreach/config"
	"propreach/models"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

// SequenceEngine drives recipients through a campaign's step graph: it
// enrolls contacts, stages and schedules queue rows, applies terminal
// signals (reply, bounce, unsubscribe) and reconciles campaign status.
// All scheduling math happens synchronously at the moment a record needs
// a new due time; there is no scheduler thread here.
type SequenceEngine struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Window   SendWindow
	Renderer *Renderer
}

func NewSequenceEngine(db *gorm.DB, logger *log.Logger, window SendWindow, renderer *Renderer) *SequenceEngine {
	return &SequenceEngine{
		DB:       db,
		Logger:   logger,
		Window:   window,
		Renderer: renderer,
	}
}

// EnrollResult aggregates the outcome of a batch enrollment. One contact's
// failure never aborts the rest of the batch.
type EnrollResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Enroll creates enrollment records at the entry step and a staged queue
// row per contact. Globally-suppressed contacts and pairs that already have
// an enrollment record are counted and skipped.
func (se *SequenceEngine) Enroll(campaign *models.Campaign, contacts []models.Contact) (EnrollResult, error) {
	var result EnrollResult

	entry := EntryStep(campaign.Steps)
	if entry == nil {
		return result, ErrNoSteps
	}

	for i := range contacts {
		contact := &contacts[i]

		if contact.GloballyUnsubscribed {
			result.Skipped++
			continue
		}
		if err := checkmail.ValidateFormat(contact.Email); err != nil {
			result.Failed++
			continue
		}

		var existing models.CampaignRecipient
		err := se.DB.Where("campaign_id = ? AND contact_id = ?", campaign.ID, contact.ID).
			First(&existing).Error
		if err == nil {
			result.Skipped++
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return result, err
		}

		recipient := models.CampaignRecipient{
			CampaignID:    campaign.ID,
			ContactID:     contact.ID,
			CurrentStepID: Pointer(entry.ID),
			Status:        models.RecipientStatusActive,
		}
		if err := se.DB.Create(&recipient).Error; err != nil {
			se.Logger.Printf("Failed to enroll contact %d: %v", contact.ID, err)
			result.Failed++
			continue
		}

		staged := se.buildQueuedEmail(campaign, entry, contact, result.Enrolled)
		if err := se.DB.Create(&staged).Error; err != nil {
			se.Logger.Printf("Failed to stage email for contact %d: %v", contact.ID, err)
			result.Failed++
			continue
		}
		result.Enrolled++
	}

	if result.Enrolled > 0 {
		if err := se.DB.Model(campaign).
			Update("total_recipients", gorm.Expr("total_recipients + ?", result.Enrolled)).Error; err != nil {
			return result, err
		}
	}
	return result, nil
}

// buildQueuedEmail renders a step for one contact into a staged queue row,
// snapshotting the field map used for rendering.
func (se *SequenceEngine) buildQueuedEmail(campaign *models.Campaign, step *models.Step, contact *models.Contact, rrOffset int) models.QueuedEmail {
	fields := ContactFieldMap(contact)
	subject := se.stepSubject(campaign, step, fields)
	body := se.Renderer.RenderStepBody(*step, campaign.EmailFormat, fields)

	domainIndex := 0
	if n := len(config.AppConfig.SendingDomains); n > 0 {
		domainIndex = rrOffset % n
	}

	return models.QueuedEmail{
		CampaignID:  campaign.ID,
		StepID:      step.ID,
		ContactID:   contact.ID,
		ToEmail:     contact.Email,
		FromEmail:   SenderAddress(domainIndex),
		Subject:     subject,
		Body:        body,
		Status:      models.QueueStatusStaged,
		DomainIndex: domainIndex,
		Metadata:    fields,
	}
}

// stepSubject resolves the subject line: a step-level override wins over
// the campaign default.
func (se *SequenceEngine) stepSubject(campaign *models.Campaign, step *models.Step, fields map[string]string) string {
	if step.Subject != "" || step.SubjectPrompt != "" {
		return se.Renderer.RenderSubject(step.SubjectMode, step.Subject, step.SubjectPrompt, fields)
	}
	return se.Renderer.RenderSubject(campaign.SubjectMode, campaign.Subject, campaign.SubjectPrompt, fields)
}

// ContactFieldMap merges a contact's built-in columns with its imported
// field map, imported columns winning on collision.
func ContactFieldMap(contact *models.Contact) map[string]string {
	fields := map[string]string{
		"email":      contact.Email,
		"first_name": contact.FirstName,
		"last_name":  contact.LastName,
		"company":    contact.Company,
		"phone":      contact.Phone,
	}
	for k, v := range contact.Fields {
		fields[k] = v
	}
	return fields
}

// SenderAddress builds the from-address for a round-robin domain index.
func SenderAddress(domainIndex int) string {
	domains := config.AppConfig.SendingDomains
	local := config.AppConfig.SMTPUsername
	if at := strings.Index(local, "@"); at > 0 {
		local = local[:at]
	}
	if local == "" {
		local = "outreach"
	}
	if len(domains) == 0 {
		return config.AppConfig.SMTPUsername
	}
	return fmt.Sprintf("%s@%s", local, domains[domainIndex%len(domains)])
}

// Launch commits every staged row for the campaign to a real send time
// computed by the working-hours clock and flips the campaign to scheduled.
func (se *SequenceEngine) Launch(campaign *models.Campaign) (int, error) {
	var staged []models.QueuedEmail
	if err := se.DB.Where("campaign_id = ? AND status = ?", campaign.ID, models.QueueStatusStaged).
		Order("id").Find(&staged).Error; err != nil {
		return 0, err
	}
	if len(staged) == 0 {
		return 0, errors.New("no staged emails to launch")
	}

	startAt := se.Window.StartTime(time.Now().UTC())
	scheduled := 0
	for i := range staged {
		updates := map[string]interface{}{
			"status":        models.QueueStatusQueued,
			"scheduled_for": startAt,
		}
		res := se.DB.Model(&models.QueuedEmail{}).
			Where("id = ? AND status = ?", staged[i].ID, models.QueueStatusStaged).
			Updates(updates)
		if res.Error != nil {
			return scheduled, res.Error
		}
		scheduled += int(res.RowsAffected)
	}

	res := se.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusStaged).
		Updates(map[string]interface{}{
			"status":     models.CampaignStatusScheduled,
			"started_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return scheduled, res.Error
	}
	if res.RowsAffected == 0 {
		return scheduled, errors.New("campaign is no longer staged")
	}
	return scheduled, nil
}

// MarkSent records a successful delivery and advances the enrollment along
// its outgoing edge. Called by the dispatcher after the provider accepts
// the message.
func (se *SequenceEngine) MarkSent(item *models.QueuedEmail, messageID string) error {
	now := time.Now().UTC()
	res := se.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.QueueStatusSent,
			"sent_at":    now,
			"message_id": messageID,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Someone else already resolved this row
		return nil
	}

	var recipient models.CampaignRecipient
	if err := se.DB.Where("campaign_id = ? AND contact_id = ?", item.CampaignID, item.ContactID).
		First(&recipient).Error; err != nil {
		return err
	}
	if recipient.Terminal() {
		return nil
	}

	if err := se.DB.Model(&recipient).Updates(map[string]interface{}{
		"status":  models.RecipientStatusSent,
		"sent_at": now,
	}).Error; err != nil {
		return err
	}
	recipient.Status = models.RecipientStatusSent
	recipient.SentAt = &now

	se.DB.Model(&models.Contact{}).Where("id = ?", item.ContactID).
		Update("last_contacted_at", now)

	return se.advance(&recipient, item)
}

// MarkFailed records a delivery failure. Failed rows wait for an explicit
// operator retry; the enrollment stays on its current step.
func (se *SequenceEngine) MarkFailed(item *models.QueuedEmail, sendErr error) error {
	return se.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.QueueStatusFailed,
			"last_error": sendErr.Error(),
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

// advance picks the edge an enrollment will wait on after a delivery and
// schedules the next step's queue row, or exits the sequence when no edge
// can ever match. Edge conditions are provisional here: they are settled by
// ResolvePendingEdge when the row comes due, so an open that arrives during
// the wait still counts. The next row is only ever created here, from the
// handler that observed the previous row's terminal outcome, so a single
// queue row is in flight per enrollment at any time.
func (se *SequenceEngine) advance(recipient *models.CampaignRecipient, sentItem *models.QueuedEmail) error {
	var step models.Step
	if err := se.DB.Preload("Edges", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&step, sentItem.StepID).Error; err != nil {
		return err
	}

	edge := NextEdge(step.Edges, *recipient)
	if edge == nil {
		edge = DeferredEdge(step.Edges, *recipient)
	}
	if edge == nil {
		return se.exit(recipient, models.ExitReasonSequenceComplete)
	}

	var target models.Step
	if err := se.DB.Preload("Sections").First(&target, edge.TargetStepID).Error; err != nil {
		// The target was deleted out from under the edge; the branch is
		// terminal now
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return se.exit(recipient, models.ExitReasonSequenceComplete)
		}
		return err
	}

	// Invariant check: never two in-flight rows for one enrollment
	var inFlight int64
	if err := se.DB.Model(&models.QueuedEmail{}).
		Where("campaign_id = ? AND contact_id = ? AND status IN ?",
			recipient.CampaignID, recipient.ContactID,
			[]string{models.QueueStatusQueued, models.QueueStatusProcessing}).
		Count(&inFlight).Error; err != nil {
		return err
	}
	if inFlight > 0 {
		se.Logger.Printf("Enrollment %d already has an in-flight email, skipping advance", recipient.ID)
		return nil
	}

	var campaign models.Campaign
	if err := se.DB.First(&campaign, recipient.CampaignID).Error; err != nil {
		return err
	}
	var contact models.Contact
	if err := se.DB.First(&contact, recipient.ContactID).Error; err != nil {
		return err
	}

	next := se.buildQueuedEmail(&campaign, &target, &contact, sentItem.DomainIndex+1)
	next.Status = models.QueueStatusQueued
	next.EdgeID = edge.ID
	dueAt := se.Window.NextSendTime(*recipient.SentAt, edge.Delay())
	next.ScheduledFor = &dueAt
	if err := se.DB.Create(&next).Error; err != nil {
		return err
	}

	return se.DB.Model(recipient).Updates(map[string]interface{}{
		"status":          models.RecipientStatusActive,
		"current_step_id": target.ID,
	}).Error
}

// ResolvePendingEdge settles a claimed row's scheduling condition against
// the enrollment state accrued during the wait. Returns true when the row
// should be delivered as-is; false means the row was withdrawn and the
// enrollment rerouted onto the branch that actually matched, or exited when
// none did.
func (se *SequenceEngine) ResolvePendingEdge(item *models.QueuedEmail) (bool, error) {
	if item.EdgeID == 0 {
		return true, nil
	}

	var edge models.StepEdge
	if err := se.DB.First(&edge, item.EdgeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Edge deleted since scheduling; the row was validly placed
			return true, nil
		}
		return false, err
	}

	var recipient models.CampaignRecipient
	if err := se.DB.Where("campaign_id = ? AND contact_id = ?", item.CampaignID, item.ContactID).
		First(&recipient).Error; err != nil {
		return false, err
	}

	var source models.Step
	if err := se.DB.Preload("Edges", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&source, edge.SourceStepID).Error; err != nil {
		return false, err
	}

	match := NextEdge(source.Edges, recipient)
	if match != nil && match.ID == item.EdgeID {
		return true, nil
	}

	// The wait settled on a different branch than the one scheduled
	if err := se.DB.Model(&models.QueuedEmail{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusProcessing).
		Update("status", models.QueueStatusRejected).Error; err != nil {
		return false, err
	}
	if match == nil {
		return false, se.exit(&recipient, models.ExitReasonSequenceComplete)
	}
	return false, se.reroute(&recipient, match, item.DomainIndex)
}

// reroute replaces a withdrawn row with one for the edge that matched at
// due time. A due time already in the past schedules at the next window
// opening.
func (se *SequenceEngine) reroute(recipient *models.CampaignRecipient, edge *models.StepEdge, domainIndex int) error {
	var target models.Step
	if err := se.DB.Preload("Sections").First(&target, edge.TargetStepID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return se.exit(recipient, models.ExitReasonSequenceComplete)
		}
		return err
	}

	var campaign models.Campaign
	if err := se.DB.First(&campaign, recipient.CampaignID).Error; err != nil {
		return err
	}
	var contact models.Contact
	if err := se.DB.First(&contact, recipient.ContactID).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	dueAt := se.Window.StartTime(now)
	if recipient.SentAt != nil {
		dueAt = se.Window.NextSendTime(*recipient.SentAt, edge.Delay())
		if dueAt.Before(now) {
			dueAt = se.Window.StartTime(now)
		}
	}

	next := se.buildQueuedEmail(&campaign, &target, &contact, domainIndex)
	next.Status = models.QueueStatusQueued
	next.EdgeID = edge.ID
	next.ScheduledFor = &dueAt
	if err := se.DB.Create(&next).Error; err != nil {
		return err
	}

	return se.DB.Model(recipient).Updates(map[string]interface{}{
		"status":          models.RecipientStatusActive,
		"current_step_id": target.ID,
	}).Error
}

func (se *SequenceEngine) exit(recipient *models.CampaignRecipient, reason string) error {
	return se.DB.Model(recipient).Updates(map[string]interface{}{
		"status":          models.RecipientStatusExited,
		"current_step_id": nil,
		"exit_reason":     reason,
	}).Error
}

// HandleReply applies a reply signal to an enrollment. Terminal records are
// left untouched, so duplicate webhook events are no-ops.
func (se *SequenceEngine) HandleReply(campaignID, contactID uint, at time.Time) error {
	return se.terminate(campaignID, contactID, models.RecipientStatusReplied,
		models.ExitReasonReplied, map[string]interface{}{"replied_at": at})
}

// HandleBounce applies a bounce signal and flags the contact.
func (se *SequenceEngine) HandleBounce(campaignID, contactID uint, at time.Time) error {
	if err := se.terminate(campaignID, contactID, models.RecipientStatusBounced,
		models.ExitReasonBounced, map[string]interface{}{"bounced_at": at}); err != nil {
		return err
	}
	return se.DB.Model(&models.Contact{}).Where("id = ?", contactID).
		Update("is_bounced", true).Error
}

// HandleOpen records an open on the enrollment; open state feeds edge
// conditions.
func (se *SequenceEngine) HandleOpen(campaignID, contactID uint, at time.Time) error {
	return se.DB.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND contact_id = ? AND opened_at IS NULL", campaignID, contactID).
		Update("opened_at", at).Error
}

// HandleUnsubscribe marks the contact globally suppressed and terminates
// every live enrollment it has, across all campaigns.
func (se *SequenceEngine) HandleUnsubscribe(contact *models.Contact, at time.Time) error {
	if err := se.DB.Model(contact).Updates(map[string]interface{}{
		"globally_unsubscribed": true,
		"unsubscribed_at":       at,
	}).Error; err != nil {
		return err
	}

	var live []models.CampaignRecipient
	if err := se.DB.Where("contact_id = ? AND status IN ?", contact.ID,
		[]string{models.RecipientStatusActive, models.RecipientStatusSent}).
		Find(&live).Error; err != nil {
		return err
	}
	for i := range live {
		if err := se.terminate(live[i].CampaignID, contact.ID, models.RecipientStatusUnsubscribed,
			models.ExitReasonUnsubscribed, map[string]interface{}{"unsubscribed_at": at}); err != nil {
			return err
		}
	}
	return nil
}

// terminate moves an enrollment to a terminal status and withdraws its
// pending queue rows. Rows already claimed by the dispatcher are left to
// finish.
func (se *SequenceEngine) terminate(campaignID, contactID uint, status, reason string, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":          status,
		"current_step_id": nil,
		"exit_reason":     reason,
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := se.DB.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND contact_id = ? AND status IN ?", campaignID, contactID,
			[]string{models.RecipientStatusActive, models.RecipientStatusSent}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Already terminal, nothing to withdraw
		return nil
	}

	return se.DB.Model(&models.QueuedEmail{}).
		Where("campaign_id = ? AND contact_id = ? AND status IN ?", campaignID, contactID,
			[]string{models.QueueStatusStaged, models.QueueStatusQueued}).
		Update("status", models.QueueStatusRejected).Error
}

// ShouldComplete is the completion rule: nothing left in flight and at
// least one row actually processed. An empty campaign never completes.
func ShouldComplete(inFlight, processed int64) bool {
	return inFlight == 0 && processed > 0
}

// CheckAndUpdateCompletedCampaign reconciles a campaign's status on read.
// The transition is applied with an optimistic condition on the observed
// status, so ten concurrent checks complete a campaign exactly once and
// never stomp a concurrent pause or cancel.
func (se *SequenceEngine) CheckAndUpdateCompletedCampaign(campaignID uint) (bool, error) {
	var campaign models.Campaign
	if err := se.DB.First(&campaign, campaignID).Error; err != nil {
		return false, err
	}
	if campaign.Status != models.CampaignStatusScheduled && campaign.Status != models.CampaignStatusSending {
		return false, nil
	}

	var inFlight int64
	if err := se.DB.Model(&models.QueuedEmail{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]string{models.QueueStatusQueued, models.QueueStatusProcessing}).
		Count(&inFlight).Error; err != nil {
		return false, err
	}
	var processed int64
	if err := se.DB.Model(&models.QueuedEmail{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]string{models.QueueStatusSent, models.QueueStatusFailed}).
		Count(&processed).Error; err != nil {
		return false, err
	}
	if !ShouldComplete(inFlight, processed) {
		return false, nil
	}

	res := se.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, campaign.Status).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCompleted,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	// Zero rows affected means another checker or a pause got there first
	return res.RowsAffected > 0, nil
}

// RetryFailed resets failed rows to queued with a freshly computed send
// time. Retries are bounded by MAX_SEND_ATTEMPTS.
func (se *SequenceEngine) RetryFailed(campaignID uint) (int, error) {
	startAt := se.Window.StartTime(time.Now().UTC())
	res := se.DB.Model(&models.QueuedEmail{}).
		Where("campaign_id = ? AND status = ? AND attempts < ?",
			campaignID, models.QueueStatusFailed, config.AppConfig.MaxSendAttempts).
		Updates(map[string]interface{}{
			"status":        models.QueueStatusQueued,
			"scheduled_for": startAt,
			"last_error":    "",
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ResetToDraft forces a staged campaign back to draft: every queue row and
// enrollment record is deleted and the recipient count zeroed. There is no
// partial-edit path; a reset is total.
func (se *SequenceEngine) ResetToDraft(campaign *models.Campaign) error {
	return se.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", campaign.ID).
			Delete(&models.QueuedEmail{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaign.ID).
			Delete(&models.CampaignRecipient{}).Error; err != nil {
			return err
		}
		return tx.Model(campaign).Updates(map[string]interface{}{
			"status":           models.CampaignStatusDraft,
			"total_recipients": 0,
		}).Error
	})
}
