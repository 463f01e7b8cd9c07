// Package notify shows raised occurrences to the user and raises operator
// signals such as low stock.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hray3182/MedLine/internal/models"
)

// Notification is everything needed to render one raised occurrence.
type Notification struct {
	OccurrenceID int64
	ReminderID   int64
	MedicineID   int64
	MedicineName string
	Unit         string
	Dose         float64
	ScheduledAt  time.Time
	// Attempt counts re-sends of an unacknowledged occurrence, 0 for the first showing.
	Attempt int
}

// Presenter displays notifications. Update replaces the visible notification
// of the occurrence with a fresh one; Dismiss removes it.
type Presenter interface {
	Show(ctx context.Context, n Notification) error
	Update(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, occurrenceID int64) error
}

type LowStockSignal struct {
	MedicineID int64
	Name       string
	Unit       string
	Remaining  float64
	Threshold  float64
}

// Signaler raises conditions that need the user's attention outside the
// occurrence flow.
type Signaler interface {
	LowStock(ctx context.Context, s LowStockSignal)
	Warn(ctx context.Context, message string)
}

const callbackPrefix = "med"

// CallbackData encodes an action button for an occurrence.
func CallbackData(action models.Action, occurrenceID int64) string {
	return fmt.Sprintf("%s:%s:%d", callbackPrefix, action, occurrenceID)
}

// ParseCallback decodes data produced by CallbackData.
func ParseCallback(data string) (models.Action, int64, bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", 0, false
	}
	action, ok := models.ParseAction(parts[1])
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return action, id, true
}

// FormatDose renders a dose like "1.5 tablet".
func FormatDose(dose float64, unit string) string {
	s := strconv.FormatFloat(dose, 'f', -1, 64)
	if unit == "" {
		return s
	}
	return s + " " + unit
}
