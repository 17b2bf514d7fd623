package controller

import (
	"log"
	"strings"

	"propreach/models"
	"propreach/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type ContactController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewContactController(db *gorm.DB, logger *log.Logger) *ContactController {
	return &ContactController{
		DB:     db,
		Logger: logger,
	}
}

type contactListInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
	Source      string `json:"source" validate:"omitempty,oneof=manual csv api"`
}

// CreateContactList creates an empty named list
func (ctc *ContactController) CreateContactList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input contactListInput
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

	list := models.ContactList{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
		Source:      defaultString(input.Source, "manual"),
	}
	if err := ctc.DB.Create(&list).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create contact list",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Contact list created successfully",
		"list":    list,
	})
}

// GetContactLists returns all lists for the user
func (ctc *ContactController) GetContactLists(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var lists []models.ContactList
	if err := ctc.DB.Where("user_id = ?", user.ID).Order("id desc").Find(&lists).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contact lists",
		})
	}

	return c.JSON(lists)
}

// GetContactList returns a single list with pagination over its contacts
func (ctc *ContactController) GetContactList(c *fiber.Ctx) error {
	list, ok := ctc.ownedList(c)
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

	var total int64
	ctc.DB.Model(&models.ContactListMembership{}).
		Where("contact_list_id = ?", list.ID).Count(&total)

	var contacts []models.Contact
	err := ctc.DB.
		Joins("JOIN contact_list_memberships m ON m.contact_id = contacts.id AND m.deleted_at IS NULL").
		Where("m.contact_list_id = ?", list.ID).
		Order("contacts.id").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&contacts).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contacts",
		})
	}

	return c.JSON(fiber.Map{
		"list": list,
		"contacts": utils.PaginatedResponse{
			Data:  contacts,
			Total: total,
			Page:  page,
			Limit: limit,
		},
	})
}

// DeleteContactList removes a list and its memberships. Contacts themselves
// survive; they may belong to other lists.
func (ctc *ContactController) DeleteContactList(c *fiber.Ctx) error {
	list, ok := ctc.ownedList(c)
	if !ok {
		return nil
	}

	tx := ctc.DB.Begin()
	if err := tx.Where("contact_list_id = ?", list.ID).
		Delete(&models.ContactListMembership{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete list memberships",
		})
	}
	if err := tx.Delete(list).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete contact list",
		})
	}
	tx.Commit()

	return c.JSON(fiber.Map{
		"message": "Contact list deleted successfully",
	})
}

type importContactInput struct {
	Email  string            `json:"email" validate:"required"`
	Fields map[string]string `json:"fields"`
}

type importInput struct {
	Contacts []importContactInput `json:"contacts" validate:"required,min=1,max=10000"`
}

// ImportContacts bulk-imports contacts into a list. Each row is a flat
// column map; well-known columns are lifted onto the contact record and the
// full map is kept for personalization. Returns aggregate counts rather
// than failing the whole batch on bad rows.
func (ctc *ContactController) ImportContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, ok := ctc.ownedList(c)
	if !ok {
		return nil
	}

	var input importInput
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

	var imported, invalid, duplicates int
	seen := make(map[string]bool)

	for _, row := range input.Contacts {
		email := strings.ToLower(strings.TrimSpace(row.Email))
		if email == "" || checkmail.ValidateFormat(email) != nil {
			invalid++
			continue
		}
		if seen[email] {
			duplicates++
			continue
		}
		seen[email] = true

		contact, created, err := ctc.upsertContact(user.ID, email, row.Fields)
		if err != nil {
			ctc.Logger.Printf("Failed to import contact %s: %v", email, err)
			invalid++
			continue
		}
		if !created {
			// Existing contact, but still joined to this list below
			duplicates++
		} else {
			imported++
		}

		var membership models.ContactListMembership
		err = ctc.DB.Where("contact_id = ? AND contact_list_id = ?", contact.ID, list.ID).
			First(&membership).Error
		if err == gorm.ErrRecordNotFound {
			ctc.DB.Create(&models.ContactListMembership{
				ContactID:     contact.ID,
				ContactListID: list.ID,
			})
		}
	}

	var count int64
	ctc.DB.Model(&models.ContactListMembership{}).
		Where("contact_list_id = ?", list.ID).Count(&count)
	ctc.DB.Model(&models.ContactList{}).Where("id = ?", list.ID).
		Update("contact_count", count)

	return c.JSON(fiber.Map{
		"message":    "Import completed",
		"imported":   imported,
		"duplicates": duplicates,
		"invalid":    invalid,
	})
}

// upsertContact finds or creates the user's contact for an email. Field
// maps merge on re-import so a second upload can fill in missing columns.
func (ctc *ContactController) upsertContact(userID uint, email string, fields map[string]string) (*models.Contact, bool, error) {
	var contact models.Contact
	err := ctc.DB.Where("user_id = ? AND lower(email) = ?", userID, email).First(&contact).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, false, err
	}

	created := err == gorm.ErrRecordNotFound
	if created {
		contact = models.Contact{
			UserID: userID,
			Email:  email,
			Fields: map[string]string{},
		}
	}
	if contact.Fields == nil {
		contact.Fields = map[string]string{}
	}

	for k, v := range fields {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		contact.Fields[key] = strings.TrimSpace(v)
	}
	applyKnownColumns(&contact)

	if created {
		err = ctc.DB.Create(&contact).Error
	} else {
		err = ctc.DB.Save(&contact).Error
	}
	if err != nil {
		return nil, false, err
	}
	return &contact, created, nil
}

// applyKnownColumns lifts well-known field names onto the contact record
func applyKnownColumns(contact *models.Contact) {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := contact.Fields[k]; ok && v != "" {
				return v
			}
		}
		return ""
	}
	if v := pick("first_name", "First Name", "firstname"); v != "" {
		contact.FirstName = v
	}
	if v := pick("last_name", "Last Name", "lastname"); v != "" {
		contact.LastName = v
	}
	if v := pick("company", "Company"); v != "" {
		contact.Company = v
	}
	if v := pick("phone", "Phone"); v != "" {
		contact.Phone = v
	}
}

// GetContacts returns the user's contacts, paginated, with optional search
func (ctc *ContactController) GetContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := ctc.DB.Model(&models.Contact{}).Where("user_id = ?", user.ID)
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("lower(email) LIKE ? OR lower(first_name) LIKE ? OR lower(last_name) LIKE ?",
			like, like, like)
	}

	var total int64
	query.Count(&total)

	var contacts []models.Contact
	if err := query.Order("id desc").Offset((page - 1) * limit).Limit(limit).
		Find(&contacts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contacts",
		})
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  contacts,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetContact returns a single contact
func (ctc *ContactController) GetContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := ctc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		Preload("Memberships").First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	return c.JSON(contact)
}

// UpdateContact updates a contact's fields. Email and suppression flags are
// not editable here; suppression only moves through the unsubscribe flow.
func (ctc *ContactController) UpdateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := ctc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var input struct {
		Fields map[string]string `json:"fields"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if contact.Fields == nil {
		contact.Fields = map[string]string{}
	}
	for k, v := range input.Fields {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		contact.Fields[key] = strings.TrimSpace(v)
	}
	applyKnownColumns(&contact)

	if err := ctc.DB.Save(&contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update contact",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Contact updated successfully",
		"contact": contact,
	})
}

// DeleteContact removes a contact and its list memberships
func (ctc *ContactController) DeleteContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := ctc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	tx := ctc.DB.Begin()
	if err := tx.Where("contact_id = ?", contact.ID).
		Delete(&models.ContactListMembership{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete contact memberships",
		})
	}
	if err := tx.Delete(&contact).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete contact",
		})
	}
	tx.Commit()

	return c.JSON(fiber.Map{
		"message": "Contact deleted successfully",
	})
}

// GetContactColumns returns the union of field column names across a list,
// used by the UI to offer personalization fields when building steps
func (ctc *ContactController) GetContactColumns(c *fiber.Ctx) error {
	list, ok := ctc.ownedList(c)
	if !ok {
		return nil
	}

	var contacts []models.Contact
	if err := ctc.DB.Select("fields").
		Joins("JOIN contact_list_memberships m ON m.contact_id = contacts.id AND m.deleted_at IS NULL").
		Where("m.contact_list_id = ?", list.ID).
		Find(&contacts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contacts",
		})
	}

	set := make(map[string]bool)
	for _, contact := range contacts {
		for k := range contact.Fields {
			set[k] = true
		}
	}
	columns := make([]string, 0, len(set))
	for k := range set {
		columns = append(columns, k)
	}

	return c.JSON(fiber.Map{
		"columns": columns,
	})
}

func (ctc *ContactController) ownedList(c *fiber.Ctx) (*models.ContactList, bool) {
	user := c.Locals("user").(*models.User)
	listID := c.Params("listID")
	if listID == "" {
		listID = c.Params("id")
	}

	var list models.ContactList
	if err := ctc.DB.Where("id = ? AND user_id = ?", listID, user.ID).
		First(&list).Error; err != nil {
		_ = c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact list not found",
		})
		return nil, false
	}
	return &list, true
}
