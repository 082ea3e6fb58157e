package webhook

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"github.com/mamadbah2/wahook/internal/domain/models"
)

// Notification is one normalized item of a delivery. Exactly one field is set.
type Notification struct {
	Message *models.Message
	Status  *models.Status
	Event   *models.Event
}

// Batch is the canonical content of one webhook delivery, in payload order.
type Batch []Notification

// Messages returns the inbound messages of the batch.
func (b Batch) Messages() []*models.Message {
	var out []*models.Message
	for _, n := range b {
		if n.Message != nil {
			out = append(out, n.Message)
		}
	}
	return out
}

// Statuses returns the delivery statuses of the batch.
func (b Batch) Statuses() []*models.Status {
	var out []*models.Status
	for _, n := range b {
		if n.Status != nil {
			out = append(out, n.Status)
		}
	}
	return out
}

// Events returns the non-message changes of the batch.
func (b Batch) Events() []*models.Event {
	var out []*models.Event
	for _, n := range b {
		if n.Event != nil {
			out = append(out, n.Event)
		}
	}
	return out
}

// Normalize walks entry[].changes[] and builds canonical messages, statuses
// and generic events. A change whose value cannot be decoded is skipped and
// reported in the returned error; the rest of the payload is still used.
func Normalize(payload models.WebhookPayload) (Batch, error) {
	var (
		batch Batch
		errs  error
	)

	for _, entry := range payload.Entry {
		for i, change := range entry.Changes {
			if change.Field != models.FieldMessages {
				batch = append(batch, Notification{Event: &models.Event{
					WABAID: entry.ID,
					Field:  change.Field,
					Value:  change.Value,
				}})
				continue
			}

			var value models.WebhookValue
			if err := json.Unmarshal(change.Value, &value); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("entry %s change %d: decode value: %w", entry.ID, i, err))
				continue
			}

			envelope := models.Envelope{
				WABAID:             entry.ID,
				PhoneNumberID:      value.Metadata.PhoneNumberID,
				DisplayPhoneNumber: value.Metadata.DisplayPhoneNumber,
			}

			// A value carries either statuses or messages.
			if len(value.Statuses) > 0 {
				for _, raw := range value.Statuses {
					batch = append(batch, Notification{Status: buildStatus(raw, envelope)})
				}
				continue
			}

			for _, raw := range value.Messages {
				batch = append(batch, Notification{
					Message: buildMessage(raw, envelope, profileName(value.Contacts, raw.From)),
				})
			}
		}
	}

	return batch, errs
}

func profileName(contacts []models.Contact, from string) string {
	for _, c := range contacts {
		if c.WaID != "" && c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 {
		return contacts[0].Profile.Name
	}
	return ""
}

func buildMessage(raw models.InboundMessage, envelope models.Envelope, profile string) *models.Message {
	msg := &models.Message{
		Envelope:    envelope,
		ID:          raw.ID,
		From:        raw.From,
		Timestamp:   models.ParseUnix(raw.Timestamp),
		Type:        models.MessageType(raw.Type),
		ProfileName: profile,
		Context:     raw.Context,
		Referral:    raw.Referral,
		Errors:      raw.Errors,
	}

	switch msg.Type {
	case models.MessageText:
		msg.Text = raw.Text
	case models.MessageImage:
		msg.Image = raw.Image
	case models.MessageVideo:
		msg.Video = raw.Video
	case models.MessageAudio:
		msg.Audio = raw.Audio
	case models.MessageDocument:
		msg.Document = raw.Document
	case models.MessageSticker:
		msg.Sticker = raw.Sticker
	case models.MessageLocation:
		msg.Location = raw.Location
	case models.MessageContacts:
		msg.Contacts = raw.Contacts
	case models.MessageInteractive:
		msg.Interactive = raw.Interactive
	case models.MessageButton:
		msg.Button = raw.Button
	case models.MessageOrder:
		msg.Order = raw.Order
	case models.MessageSystem:
		msg.System = raw.System
	case models.MessageReaction:
		msg.Reaction = raw.Reaction
	}

	return msg
}

func buildStatus(raw models.MessageStatus, envelope models.Envelope) *models.Status {
	return &models.Status{
		Envelope:     envelope,
		ID:           raw.ID,
		Type:         models.MessageStatuses,
		Status:       models.StatusText(raw.Status),
		Timestamp:    models.ParseUnix(raw.Timestamp),
		RecipientID:  raw.RecipientID,
		BizOpaque:    raw.BizOpaque,
		Conversation: raw.Conversation,
		Pricing:      raw.Pricing,
		Errors:       raw.Errors,
	}
}
