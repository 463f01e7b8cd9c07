package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Log writes notifications and signals to the log. It is used when no chat
// is configured.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) Show(ctx context.Context, n Notification) error {
	l.event(n).Msg("take your medicine")
	return nil
}

func (l *Log) Update(ctx context.Context, n Notification) error {
	l.event(n).Int("attempt", n.Attempt).Msg("still waiting for your medicine")
	return nil
}

func (l *Log) Dismiss(ctx context.Context, occurrenceID int64) error {
	l.logger.Info().Int64("occurrence_id", occurrenceID).Msg("notification dismissed")
	return nil
}

func (l *Log) LowStock(ctx context.Context, s LowStockSignal) {
	l.logger.Warn().
		Int64("medicine_id", s.MedicineID).
		Str("medicine", s.Name).
		Float64("remaining", s.Remaining).
		Float64("threshold", s.Threshold).
		Msg("low stock")
}

func (l *Log) Warn(ctx context.Context, message string) {
	l.logger.Error().Msg(message)
}

func (l *Log) event(n Notification) *zerolog.Event {
	return l.logger.Info().
		Int64("occurrence_id", n.OccurrenceID).
		Int64("reminder_id", n.ReminderID).
		Str("medicine", n.MedicineName).
		Str("dose", FormatDose(n.Dose, n.Unit)).
		Time("scheduled_at", n.ScheduledAt)
}
