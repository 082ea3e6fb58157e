package whatsapp

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/config"
	"github.com/mamadbah2/wahook/internal/domain/models"
	"github.com/mamadbah2/wahook/internal/service/webhook"
	client "github.com/mamadbah2/wahook/pkg/clients/whatsapp"
)

const (
	sendTimeout = 10 * time.Second
	// replyReaction acknowledges button and list replies.
	replyReaction = "✅"
	// profilePlaceholder in AutoReplyText is replaced by the sender's name.
	profilePlaceholder = "{name}"
)

// loggedEventFields are the non-message change fields the bot subscribes to.
var loggedEventFields = []string{
	"account_alerts",
	"account_update",
	"business_capability_update",
	"message_template_quality_update",
	"message_template_status_update",
	"phone_number_name_update",
	"phone_number_quality_update",
	"security",
	"template_category_update",
}

// Bot is the built-in handler set served by the binary: read receipts, an
// optional auto reply, status and event logging, and a flow form.
type Bot struct {
	cfg      config.BotConfig
	sessions *SessionManager
	logger   *zap.Logger
}

// NewBot wires a new bot instance.
func NewBot(cfg config.BotConfig, logger *zap.Logger) *Bot {
	b := &Bot{
		cfg:      cfg,
		sessions: NewSessionManager(cfg.SessionLimit, cfg.SessionTTL),
		logger:   logger,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Register installs the bot's handlers on reg.
func (b *Bot) Register(reg *webhook.Registry) {
	if b.cfg.MarkAsRead {
		reg.OnMessagePreProcess(b.markAsRead)
	}
	if b.cfg.AutoReplyText != "" {
		reg.OnMessage(models.MessageText, b.autoReply)
		reg.OnMessage(models.MessageInteractive, b.acknowledgeReply)
		reg.OnMessage(models.MessageButton, b.acknowledgeReply)
	}
	reg.OnMessagePostProcess(b.logMessage)
	reg.OnStatus(b.logStatus)
	for _, field := range loggedEventFields {
		reg.OnEvent(field, b.logEvent)
	}
	reg.OnFlow(models.FlowTypeAll, b.handleFlow)

	b.logger.Info("bot handlers registered",
		zap.Bool("mark_as_read", b.cfg.MarkAsRead),
		zap.Bool("auto_reply", b.cfg.AutoReplyText != ""),
		zap.Int("session_limit", b.cfg.SessionLimit),
		zap.Duration("session_ttl", b.cfg.SessionTTL))
}

func (b *Bot) markAsRead(ctx context.Context, wa client.Client, msg *models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return wa.MarkAsRead(ctx, msg.ID)
}

func (b *Bot) autoReply(ctx context.Context, wa client.Client, msg *models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	name := msg.ProfileName
	if name == "" {
		name = msg.From
	}

	resp, err := wa.SendTextMessage(ctx, client.SendTextMessageRequest{
		To:      msg.From,
		Body:    strings.ReplaceAll(b.cfg.AutoReplyText, profilePlaceholder, name),
		ReplyTo: msg.ID,
	})
	if err != nil {
		return err
	}
	b.logger.Debug("auto reply sent", zap.String("to", msg.From), zap.String("reply_id", resp.MessageID()))
	return nil
}

func (b *Bot) acknowledgeReply(ctx context.Context, wa client.Client, msg *models.Message) error {
	if extractReplyID(msg) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := wa.SendReaction(ctx, msg.From, msg.ID, replyReaction)
	return err
}

func (b *Bot) logMessage(_ context.Context, _ client.Client, msg *models.Message) error {
	fields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.From),
		zap.String("phone_number_id", msg.PhoneNumberID),
		zap.Time("sent_at", msg.Timestamp),
	}
	if id := extractReplyID(msg); id != "" {
		fields = append(fields, zap.String("reply_id", id))
	}
	if len(msg.Errors) > 0 {
		fields = append(fields, zap.Int("error_code", msg.Errors[0].Code), zap.String("error_title", msg.Errors[0].Title))
	}
	b.logger.Info("inbound message handled", fields...)
	return nil
}

func (b *Bot) logStatus(_ context.Context, _ client.Client, st *models.Status) error {
	fields := []zap.Field{
		zap.String("message_id", st.ID),
		zap.String("status", string(st.Status)),
		zap.String("recipient", st.RecipientID),
	}
	if st.Status == models.StatusFailed {
		for _, e := range st.Errors {
			fields = append(fields, zap.Int("error_code", e.Code), zap.String("error_title", e.Title))
		}
		b.logger.Warn("outbound message failed", fields...)
		return nil
	}
	b.logger.Info("outbound message status", fields...)
	return nil
}

func (b *Bot) logEvent(_ context.Context, _ client.Client, ev *models.Event) error {
	b.logger.Info("account event received",
		zap.String("field", ev.Field),
		zap.String("waba_id", ev.WABAID),
		zap.Int("size", len(ev.Value)))
	return nil
}

// extractReplyID returns the id of the button or list row the user picked.
func extractReplyID(msg *models.Message) string {
	if msg.Button != nil {
		return msg.Button.Payload
	}

	if msg.Interactive != nil {
		if msg.Interactive.ButtonReply != nil {
			return msg.Interactive.ButtonReply.ID
		}
		if msg.Interactive.ListReply != nil {
			return msg.Interactive.ListReply.ID
		}
	}

	return ""
}
