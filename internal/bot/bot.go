// Package bot reads Telegram updates: the action buttons under reminder
// messages and a few chat commands.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/format"
	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/notify"
	"github.com/hray3182/MedLine/internal/processor"
	"github.com/hray3182/MedLine/internal/scheduler"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Engine interface {
	Submit(ctx context.Context, occurrenceID int64, action models.Action) (processor.Outcome, error)
	RequestReschedule()
}

type Previewer interface {
	Preview(ctx context.Context) ([]scheduler.Entry, error)
}

type Store interface {
	GetMedicine(ctx context.Context, medicineID int64) (*models.Medicine, error)
	GetSettings(ctx context.Context) (*models.Settings, error)
	SaveSettings(ctx context.Context, settings *models.Settings) error
}

type Bot struct {
	api     API
	chatID  int64
	engine  Engine
	preview Previewer
	store   Store
	loc     *time.Location
	logger  zerolog.Logger
}

// New serves the single chat chatID. Updates from other chats are ignored.
func New(api API, chatID int64, engine Engine, preview Previewer, store Store, loc *time.Location, logger zerolog.Logger) *Bot {
	if loc == nil {
		loc = time.Local
	}
	return &Bot{
		api:     api,
		chatID:  chatID,
		engine:  engine,
		preview: preview,
		store:   store,
		loc:     loc,
		logger:  logger.With().Str("component", "bot").Logger(),
	}
}

func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Int64("chat_id", b.chatID).Msg("listening for updates")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
			return
		}
		b.handleCommand(ctx, update.Message)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != b.chatID {
		b.answer(cb.ID, "")
		return
	}
	action, occID, ok := notify.ParseCallback(cb.Data)
	if !ok {
		b.answer(cb.ID, "")
		return
	}

	out, err := b.engine.Submit(ctx, occID, action)
	if err != nil {
		b.logger.Error().Err(err).Int64("occurrence_id", occID).Str("action", string(action)).Msg("failed to apply action")
		b.answer(cb.ID, "Something went wrong, please try again")
		return
	}
	if out.Stale {
		status := "handled"
		if out.Occurrence != nil {
			status = string(out.Occurrence.Status)
		}
		b.answer(cb.ID, "Already "+status)
		b.editMessageText(cb.Message.MessageID, fmt.Sprintf("Already recorded as %s.", status))
		return
	}

	switch action {
	case models.ActionTaken:
		b.answer(cb.ID, "Marked as taken")
	case models.ActionSkipped:
		b.answer(cb.ID, "Skipped")
	case models.ActionSnooze:
		b.answer(cb.ID, "I'll remind you again soon")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		b.sendMessage(helpText)
	case "next":
		b.handleNext(ctx)
	case "weekend":
		b.handleWeekend(ctx, strings.TrimSpace(msg.CommandArguments()))
	default:
		b.sendMessage("Unknown command, see /help")
	}
}

const helpText = `💊 **MedLine**

Reminders arrive here with buttons to mark a dose taken, skip it or snooze it.

/next - upcoming reminders
/weekend on|off|HH:MM - weekend delay`

func (b *Bot) handleNext(ctx context.Context) {
	entries, err := b.preview.Preview(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to preview schedule")
		b.sendMessage("Could not load the schedule, please try again later")
		return
	}
	if len(entries) == 0 {
		b.sendMessage("No reminders scheduled.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📅 **Upcoming**\n\n")
	for _, e := range entries {
		name := fmt.Sprintf("medicine #%d", e.MedicineID)
		if med, err := b.store.GetMedicine(ctx, e.MedicineID); err == nil {
			name = med.Name
		}
		fmt.Fprintf(&sb, "`%s` %s (%s)\n", e.At.In(b.loc).Format("Mon 01/02 15:04"), name, e.Kind)
	}
	b.sendMessage(sb.String())
}

func (b *Bot) handleWeekend(ctx context.Context, arg string) {
	settings, err := b.store.GetSettings(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to load settings")
		b.sendMessage("Could not load settings, please try again later")
		return
	}

	switch arg {
	case "":
		b.sendMessage(weekendText(settings.Weekend))
		return
	case "on":
		settings.Weekend.Enabled = true
	case "off":
		settings.Weekend.Enabled = false
	default:
		tod, err := models.ParseTimeOfDay(arg)
		if err != nil {
			b.sendMessage("Usage: /weekend on|off|HH:MM")
			return
		}
		settings.Weekend.Enabled = true
		settings.Weekend.DelayTo = tod
	}

	if err := b.store.SaveSettings(ctx, settings); err != nil {
		b.logger.Error().Err(err).Msg("failed to save settings")
		b.sendMessage("Could not save settings, please try again later")
		return
	}
	b.engine.RequestReschedule()
	b.sendMessage(weekendText(settings.Weekend))
}

func weekendText(w models.WeekendMode) string {
	if !w.Enabled {
		return "🛌 Weekend delay is **off**"
	}
	days := make([]string, len(w.Days))
	for i, d := range w.Days {
		days[i] = d.String()[:3]
	}
	return fmt.Sprintf("🛌 Weekend delay is **on**: reminders before `%s` on %s wait until then", w.DelayTo, strings.Join(days, ", "))
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Warn().Err(err).Msg("failed to answer callback")
	}
}

func (b *Bot) editMessageText(messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(b.chatID, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		b.logger.Debug().Err(err).Int("msg_id", messageID).Msg("failed to edit message")
	}
}

func (b *Bot) sendMessage(text string) {
	parsed := format.ParseMarkdown(text)
	msg := tgbotapi.NewMessage(b.chatID, parsed.Text)
	msg.Entities = parsed.Entities
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error().Err(err).Msg("failed to send message")
	}
}
