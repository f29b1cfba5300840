// Package notification delivers appointment lifecycle events to staff and
// patient-facing channels. Delivery is best effort: callers dispatch events
// asynchronously and a failing sink never affects the booking that caused it.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivcare/clinic/internal/platform/metrics"
)

// EventType identifies what happened to an appointment.
type EventType string

const (
	EventAppointmentCreated   EventType = "appointment.created"
	EventAppointmentCancelled EventType = "appointment.cancelled"
)

// Event describes one appointment lifecycle change. Date and times are
// facility-local and already formatted ("2006-01-02", "15:04").
type Event struct {
	Type          EventType  `json:"type"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	PatientID     *uuid.UUID `json:"patient_id,omitempty"`
	IsAnonymous   bool       `json:"is_anonymous"`
	Date          string     `json:"date"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time"`
	Reason        string     `json:"reason,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// Format renders ev as a short human readable message. Patient identity is
// never included.
func Format(ev Event) string {
	var b strings.Builder
	switch ev.Type {
	case EventAppointmentCreated:
		b.WriteString("New appointment")
	case EventAppointmentCancelled:
		b.WriteString("Appointment cancelled")
	default:
		b.WriteString(string(ev.Type))
	}
	fmt.Fprintf(&b, " %s %s-%s", ev.Date, ev.StartTime, ev.EndTime)
	fmt.Fprintf(&b, "\ndoctor: %s\nappointment: %s", ev.DoctorID, ev.AppointmentID)
	if ev.IsAnonymous {
		b.WriteString("\nanonymous booking")
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", ev.Reason)
	}
	return b.String()
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Notify(context.Context, Event) error { return nil }

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSink) Notify(_ context.Context, ev Event) error {
	s.logger.Info().
		Str("event", string(ev.Type)).
		Str("appointment_id", ev.AppointmentID.String()).
		Str("doctor_id", ev.DoctorID.String()).
		Str("date", ev.Date).
		Str("start_time", ev.StartTime).
		Str("end_time", ev.EndTime).
		Msg("appointment event")
	return nil
}

// MessageSender is the subset of the Telegram bot API used by TelegramSink.
type MessageSender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramSink posts events to a Telegram chat, typically the clinic's staff
// channel.
type TelegramSink struct {
	sender MessageSender
	chatID int64
}

// NewTelegramSink creates a bot client for token. The token is not verified
// against the Telegram API until the first message is sent.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	b, err := tgbot.New(token, tgbot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramSinkWithSender(b, chatID), nil
}

func NewTelegramSinkWithSender(sender MessageSender, chatID int64) *TelegramSink {
	return &TelegramSink{sender: sender, chatID: chatID}
}

func (s *TelegramSink) Notify(ctx context.Context, ev Event) error {
	params := &tgbot.SendMessageParams{
		ChatID: s.chatID,
		Text:   Format(ev),
	}
	if _, err := s.sender.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Multi fans an event out to every sink and joins their errors. One failing
// sink does not stop delivery to the others.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher delivers events on background goroutines. Each delivery runs on
// a context detached from the caller's cancellation and bounded by timeout;
// failures are logged and dropped.
type Dispatcher struct {
	sink    Sink
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sink Sink, logger zerolog.Logger, timeout time.Duration) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sink: sink, logger: logger, timeout: timeout}
}

// Dispatch returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("notification sink panicked")
			}
		}()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.sink.Notify(nctx, ev); err != nil {
			metrics.NotificationsSent.WithLabelValues(string(ev.Type), "failed").Inc()
			d.logger.Warn().Err(err).
				Str("event", string(ev.Type)).
				Str("appointment_id", ev.AppointmentID.String()).
				Msg("notification delivery failed")
			return
		}
		metrics.NotificationsSent.WithLabelValues(string(ev.Type), "sent").Inc()
	}()
}

// Wait blocks until every dispatched event has been delivered or dropped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
