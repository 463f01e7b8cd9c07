package alarm

import (
	"context"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/models"
)

// once is a cron schedule that fires a single time. Cron asks for the next
// activation when the entry is added and again after each run; the second
// answer is zero, which parks the entry until it is removed.
type once struct {
	mu   sync.Mutex
	at   time.Time
	used bool
}

func (o *once) Next(time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.used {
		return time.Time{}
	}
	o.used = true
	return o.at
}

type armed struct {
	entry rcron.EntryID
	seq   uint64
	at    time.Time
}

// CronDispatcher runs alarms on a robfig/cron scheduler. An alarm whose
// instant is already past fires as soon as it is armed.
type CronDispatcher struct {
	// OnFire receives every alarm that goes off. It runs on a cron goroutine.
	OnFire func(a models.Alarm)

	mu      sync.Mutex
	cron    *rcron.Cron
	entries map[string]armed
	seq     uint64
	logger  zerolog.Logger
}

func NewCronDispatcher(logger zerolog.Logger) *CronDispatcher {
	l := logger.With().Str("component", "alarm").Logger()
	return &CronDispatcher{
		cron: rcron.New(
			rcron.WithLogger(cronLogger{l}),
			rcron.WithChain(rcron.Recover(cronLogger{l})),
		),
		entries: make(map[string]armed),
		logger:  l,
	}
}

func (d *CronDispatcher) Start() {
	d.cron.Start()
	d.logger.Info().Msg("alarm dispatcher started")
}

// Stop halts the scheduler and waits for running alarms, bounded by ctx.
func (d *CronDispatcher) Stop(ctx context.Context) {
	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		d.logger.Warn().Msg("stop timeout waiting for running alarms")
	}
	d.logger.Info().Msg("alarm dispatcher stopped")
}

func (d *CronDispatcher) Arm(ctx context.Context, id string, at time.Time, payload models.AlarmPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.entries[id]; ok {
		d.cron.Remove(prev.entry)
		delete(d.entries, id)
	}

	d.seq++
	seq := d.seq
	alarm := models.Alarm{AlarmID: id, FireAt: at, Payload: payload}
	entry := d.cron.Schedule(&once{at: at}, rcron.FuncJob(func() {
		d.fire(alarm, seq)
	}))
	d.entries[id] = armed{entry: entry, seq: seq, at: at}

	d.logger.Debug().Str("alarm_id", id).Time("at", at).Msg("alarm armed")
	return nil
}

func (d *CronDispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.entries[id]; ok {
		d.cron.Remove(prev.entry)
		delete(d.entries, id)
		d.logger.Debug().Str("alarm_id", id).Msg("alarm cancelled")
	}
	return nil
}

// Armed returns the instant of an armed alarm.
func (d *CronDispatcher) Armed(id string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.entries[id]
	return a.at, ok
}

func (d *CronDispatcher) fire(alarm models.Alarm, seq uint64) {
	d.mu.Lock()
	current, ok := d.entries[alarm.AlarmID]
	if !ok || current.seq != seq {
		// Cancelled or replaced while the job was starting.
		d.mu.Unlock()
		return
	}
	d.cron.Remove(current.entry)
	delete(d.entries, alarm.AlarmID)
	d.mu.Unlock()

	d.logger.Debug().Str("alarm_id", alarm.AlarmID).Msg("alarm fired")
	if d.OnFire != nil {
		d.OnFire(alarm)
	}
}

// cronLogger routes robfig/cron diagnostics to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Trace().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
