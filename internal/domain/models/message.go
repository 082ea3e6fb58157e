package models

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"
)

// MessageType is the "type" discriminator of an inbound message.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageVideo       MessageType = "video"
	MessageAudio       MessageType = "audio"
	MessageDocument    MessageType = "document"
	MessageSticker     MessageType = "sticker"
	MessageLocation    MessageType = "location"
	MessageContacts    MessageType = "contacts"
	MessageInteractive MessageType = "interactive"
	MessageButton      MessageType = "button"
	MessageOrder       MessageType = "order"
	MessageSystem      MessageType = "system"
	MessageReaction    MessageType = "reaction"
	MessageUnsupported MessageType = "unsupported"

	// MessageStatuses tags canonical delivery statuses.
	MessageStatuses MessageType = "statuses"
)

// StatusText is the delivery state reported for an outbound message.
type StatusText string

const (
	StatusSent      StatusText = "sent"
	StatusDelivered StatusText = "delivered"
	StatusRead      StatusText = "read"
	StatusFailed    StatusText = "failed"
)

// Envelope holds the fields shared by every canonical notification.
type Envelope struct {
	WABAID             string `json:"waba_id"`
	PhoneNumberID      string `json:"phone_number_id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
}

// Message is the canonical form of one inbound message handed to handlers.
// Exactly one of the content fields is set, chosen by Type; unknown types
// carry only the common fields.
type Message struct {
	Envelope

	ID          string          `json:"id"`
	From        string          `json:"from"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        MessageType     `json:"type"`
	ProfileName string          `json:"profile_name,omitempty"`
	Context     *MessageContext `json:"context,omitempty"`
	Referral    *Referral       `json:"referral,omitempty"`
	Errors      []WebhookError  `json:"errors,omitempty"`

	Text        *TextContent        `json:"text,omitempty"`
	Image       *MediaContent       `json:"image,omitempty"`
	Video       *MediaContent       `json:"video,omitempty"`
	Audio       *MediaContent       `json:"audio,omitempty"`
	Document    *MediaContent       `json:"document,omitempty"`
	Sticker     *MediaContent       `json:"sticker,omitempty"`
	Location    *LocationContent    `json:"location,omitempty"`
	Contacts    []SharedContact     `json:"contacts,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
	Button      *ButtonContent      `json:"button,omitempty"`
	Order       *OrderContent       `json:"order,omitempty"`
	System      *SystemContent      `json:"system,omitempty"`
	Reaction    *ReactionContent    `json:"reaction,omitempty"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m

	c.Context = clonePtr(m.Context)
	if c.Context != nil {
		c.Context.ReferredProduct = clonePtr(m.Context.ReferredProduct)
	}
	c.Referral = clonePtr(m.Referral)
	c.Errors = cloneErrors(m.Errors)

	c.Text = clonePtr(m.Text)
	c.Image = clonePtr(m.Image)
	c.Video = clonePtr(m.Video)
	c.Audio = clonePtr(m.Audio)
	c.Document = clonePtr(m.Document)
	c.Sticker = clonePtr(m.Sticker)
	c.Location = clonePtr(m.Location)
	c.Button = clonePtr(m.Button)
	c.System = clonePtr(m.System)
	c.Reaction = clonePtr(m.Reaction)

	if m.Contacts != nil {
		c.Contacts = make([]SharedContact, len(m.Contacts))
		for i, sc := range m.Contacts {
			sc.Addresses = slices.Clone(sc.Addresses)
			sc.Emails = slices.Clone(sc.Emails)
			sc.Org = clonePtr(sc.Org)
			sc.Phones = slices.Clone(sc.Phones)
			sc.URLs = slices.Clone(sc.URLs)
			c.Contacts[i] = sc
		}
	}
	if m.Interactive != nil {
		c.Interactive = &InteractiveContent{
			Type:        m.Interactive.Type,
			ButtonReply: clonePtr(m.Interactive.ButtonReply),
			ListReply:   clonePtr(m.Interactive.ListReply),
			NFMReply:    clonePtr(m.Interactive.NFMReply),
		}
	}
	if m.Order != nil {
		order := *m.Order
		order.ProductItems = slices.Clone(m.Order.ProductItems)
		c.Order = &order
	}

	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneErrors(errs []WebhookError) []WebhookError {
	if errs == nil {
		return nil
	}
	out := make([]WebhookError, len(errs))
	for i, e := range errs {
		e.ErrorData = clonePtr(e.ErrorData)
		out[i] = e
	}
	return out
}

// Status is the canonical form of a delivery status notification.
type Status struct {
	Envelope

	ID           string         `json:"id"`
	Type         MessageType    `json:"type"`
	Status       StatusText     `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	RecipientID  string         `json:"recipient_id"`
	BizOpaque    string         `json:"biz_opaque_callback_data,omitempty"`
	Conversation *Conversation  `json:"conversation,omitempty"`
	Pricing      *Pricing       `json:"pricing,omitempty"`
	Errors       []WebhookError `json:"errors,omitempty"`
}

// Event is a change notification for any field other than "messages"
// (account_update, message_template_status_update, ...).
type Event struct {
	WABAID string          `json:"waba_id"`
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value"`
}

// ParseUnix converts the platform's unix-seconds string timestamps.
// Malformed input yields the zero time.
func ParseUnix(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
