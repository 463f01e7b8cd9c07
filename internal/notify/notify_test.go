package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/models"
)

type fakeSender struct {
	nextID  int
	sent    []tgbotapi.MessageConfig
	deleted []int
	failing bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.failing {
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	f.nextID++
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if del, ok := c.(tgbotapi.DeleteMessageConfig); ok {
		f.deleted = append(f.deleted, del.MessageID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func notification() Notification {
	return Notification{
		OccurrenceID: 42,
		ReminderID:   7,
		MedicineName: "Aspirin",
		Unit:         "tablet",
		Dose:         1,
		ScheduledAt:  time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC),
	}
}

func TestTelegramShowSendsActionButtons(t *testing.T) {
	f := &fakeSender{}
	tg := NewTelegram(f, 100, time.UTC, zerolog.Nop())

	if err := tg.Show(context.Background(), notification()); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d messages", len(f.sent))
	}
	msg := f.sent[0]
	if msg.ChatID != 100 || !strings.Contains(msg.Text, "Time for Aspirin") || !strings.Contains(msg.Text, "1 tablet") {
		t.Errorf("message = %+v", msg)
	}

	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 3 {
		t.Fatalf("markup = %+v", msg.ReplyMarkup)
	}
	var actions []models.Action
	for _, b := range markup.InlineKeyboard[0] {
		action, occ, ok := ParseCallback(*b.CallbackData)
		if !ok || occ != 42 {
			t.Errorf("callback %q", *b.CallbackData)
		}
		actions = append(actions, action)
	}
	if actions[0] != models.ActionTaken || actions[1] != models.ActionSkipped || actions[2] != models.ActionSnooze {
		t.Errorf("actions = %v", actions)
	}
}

func TestTelegramUpdateReplacesMessage(t *testing.T) {
	f := &fakeSender{}
	tg := NewTelegram(f, 100, time.UTC, zerolog.Nop())
	ctx := context.Background()
	n := notification()

	_ = tg.Show(ctx, n)
	n.Attempt = 1
	if err := tg.Update(ctx, n); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(f.deleted) != 1 || f.deleted[0] != 1 {
		t.Errorf("deleted = %v, want [1]", f.deleted)
	}
	if len(f.sent) != 2 || !strings.Contains(f.sent[1].Text, "Reminder 2") {
		t.Errorf("sent = %+v", f.sent)
	}

	if err := tg.Dismiss(ctx, n.OccurrenceID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if len(f.deleted) != 2 || f.deleted[1] != 2 {
		t.Errorf("deleted = %v, want [1 2]", f.deleted)
	}

	// Nothing left to delete.
	_ = tg.Dismiss(ctx, n.OccurrenceID)
	if len(f.deleted) != 2 {
		t.Errorf("deleted twice: %v", f.deleted)
	}
}

func TestTelegramShowError(t *testing.T) {
	tg := NewTelegram(&fakeSender{failing: true}, 100, time.UTC, zerolog.Nop())
	if err := tg.Show(context.Background(), notification()); err == nil {
		t.Error("expected an error")
	}
}

func TestTelegramLowStock(t *testing.T) {
	f := &fakeSender{}
	tg := NewTelegram(f, 100, time.UTC, zerolog.Nop())
	tg.LowStock(context.Background(), LowStockSignal{MedicineID: 1, Name: "Aspirin", Unit: "tablet", Remaining: 2, Threshold: 5})
	if len(f.sent) != 1 || !strings.Contains(f.sent[0].Text, "2 tablet") {
		t.Errorf("sent = %+v", f.sent)
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data   string
		action models.Action
		id     int64
		ok     bool
	}{
		{CallbackData(models.ActionSnooze, 9), models.ActionSnooze, 9, true},
		{"med:taken:12", models.ActionTaken, 12, true},
		{"med:eaten:12", "", 0, false},
		{"remind_ack:12", "", 0, false},
		{"med:taken:x", "", 0, false},
		{"med:taken:-1", "", 0, false},
	}
	for _, tt := range tests {
		action, id, ok := ParseCallback(tt.data)
		if action != tt.action || id != tt.id || ok != tt.ok {
			t.Errorf("ParseCallback(%q) = %q, %d, %v", tt.data, action, id, ok)
		}
	}
}

func TestFormatDose(t *testing.T) {
	if got := FormatDose(1.5, "ml"); got != "1.5 ml" {
		t.Errorf("got %q", got)
	}
	if got := FormatDose(2, ""); got != "2" {
		t.Errorf("got %q", got)
	}
}
