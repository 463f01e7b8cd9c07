package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/format"
	"github.com/hray3182/MedLine/internal/models"
)

// sender is the part of *tgbotapi.BotAPI the presenter uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram shows each raised occurrence as a chat message with action
// buttons. Updating deletes the previous message and sends a new one so the
// reminder is at the bottom of the chat again.
type Telegram struct {
	api    sender
	chatID int64
	loc    *time.Location
	logger zerolog.Logger

	mu       sync.Mutex
	messages map[int64]int // occurrence id -> message id
}

func NewTelegram(api sender, chatID int64, loc *time.Location, logger zerolog.Logger) *Telegram {
	if loc == nil {
		loc = time.Local
	}
	return &Telegram{
		api:      api,
		chatID:   chatID,
		loc:      loc,
		logger:   logger.With().Str("component", "telegram").Logger(),
		messages: make(map[int64]int),
	}
}

func (t *Telegram) Show(ctx context.Context, n Notification) error {
	return t.send(n)
}

func (t *Telegram) Update(ctx context.Context, n Notification) error {
	return t.send(n)
}

func (t *Telegram) Dismiss(ctx context.Context, occurrenceID int64) error {
	t.mu.Lock()
	msgID, ok := t.messages[occurrenceID]
	delete(t.messages, occurrenceID)
	t.mu.Unlock()

	if ok {
		t.deleteMessage(msgID)
	}
	return nil
}

func (t *Telegram) LowStock(ctx context.Context, s LowStockSignal) {
	text := fmt.Sprintf("📦 **Running low on %s**\n\nOnly `%s` left.", s.Name, FormatDose(s.Remaining, s.Unit))
	if err := t.sendText(text); err != nil {
		t.logger.Error().Err(err).Int64("medicine_id", s.MedicineID).Msg("failed to send low stock notice")
	}
}

func (t *Telegram) Warn(ctx context.Context, message string) {
	if err := t.sendText("⚠️ **MedLine problem**\n\n" + message); err != nil {
		t.logger.Error().Err(err).Msg("failed to send warning")
	}
}

func (t *Telegram) send(n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Delete previous message if exists (to avoid flooding)
	if prev, ok := t.messages[n.OccurrenceID]; ok {
		t.deleteMessage(prev)
		delete(t.messages, n.OccurrenceID)
	}

	parsed := format.ParseMarkdown(t.render(n))
	msg := tgbotapi.NewMessage(t.chatID, parsed.Text)
	msg.Entities = parsed.Entities
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Taken", CallbackData(models.ActionTaken, n.OccurrenceID)),
			tgbotapi.NewInlineKeyboardButtonData("⏭ Skip", CallbackData(models.ActionSkipped, n.OccurrenceID)),
			tgbotapi.NewInlineKeyboardButtonData("💤 Snooze", CallbackData(models.ActionSnooze, n.OccurrenceID)),
		),
	)

	sent, err := t.api.Send(msg)
	if err != nil {
		return fmt.Errorf("send notification for occurrence %d: %w", n.OccurrenceID, err)
	}
	t.messages[n.OccurrenceID] = sent.MessageID
	t.logger.Debug().Int64("occurrence_id", n.OccurrenceID).Int("msg_id", sent.MessageID).Msg("notification sent")
	return nil
}

func (t *Telegram) render(n Notification) string {
	text := fmt.Sprintf("💊 **Time for %s**\n\nDose: `%s`\nScheduled: %s",
		n.MedicineName, FormatDose(n.Dose, n.Unit), n.ScheduledAt.In(t.loc).Format("Mon 15:04"))
	if n.Attempt > 0 {
		text += fmt.Sprintf("\n\n🔁 Reminder %d, still waiting for you", n.Attempt+1)
	}
	return text
}

func (t *Telegram) sendText(text string) error {
	parsed := format.ParseMarkdown(text)
	msg := tgbotapi.NewMessage(t.chatID, parsed.Text)
	msg.Entities = parsed.Entities
	_, err := t.api.Send(msg)
	return err
}

func (t *Telegram) deleteMessage(msgID int) {
	if _, err := t.api.Request(tgbotapi.NewDeleteMessage(t.chatID, msgID)); err != nil {
		// The user may have deleted it already.
		t.logger.Debug().Err(err).Int("msg_id", msgID).Msg("failed to delete notification")
	}
}
