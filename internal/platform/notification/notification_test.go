package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Notify(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeSender struct {
	params []*tgbot.SendMessageParams
	err    error
}

func (f *fakeSender) SendMessage(_ context.Context, p *tgbot.SendMessageParams) (*tgmodels.Message, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	return &tgmodels.Message{ID: 1}, nil
}

func sampleEvent() Event {
	return Event{
		Type:          EventAppointmentCreated,
		AppointmentID: uuid.New(),
		DoctorID:      uuid.New(),
		Date:          "2025-03-10",
		StartTime:     "09:00",
		EndTime:       "09:30",
	}
}

func TestFormat(t *testing.T) {
	ev := sampleEvent()
	ev.IsAnonymous = true
	msg := Format(ev)
	if !strings.HasPrefix(msg, "New appointment 2025-03-10 09:00-09:30") {
		t.Errorf("unexpected header: %q", msg)
	}
	if !strings.Contains(msg, "anonymous booking") {
		t.Error("expected anonymous marker")
	}

	ev.Type = EventAppointmentCancelled
	ev.Reason = "patient request"
	msg = Format(ev)
	if !strings.HasPrefix(msg, "Appointment cancelled") {
		t.Errorf("unexpected header: %q", msg)
	}
	if !strings.Contains(msg, "reason: patient request") {
		t.Error("expected reason line")
	}
}

func TestTelegramSink_SendsToChat(t *testing.T) {
	sender := &fakeSender{}
	sink := NewTelegramSinkWithSender(sender, -100123)
	if err := sink.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.params) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.params))
	}
	if sender.params[0].ChatID != int64(-100123) {
		t.Errorf("expected chat id -100123, got %v", sender.params[0].ChatID)
	}
}

func TestTelegramSink_Error(t *testing.T) {
	sender := &fakeSender{err: errors.New("forbidden")}
	sink := NewTelegramSinkWithSender(sender, 1)
	err := sink.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "forbidden") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewTelegramSink_RequiresToken(t *testing.T) {
	if _, err := NewTelegramSink("", 1); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestMulti_DeliversToAll(t *testing.T) {
	a := &recordingSink{err: errors.New("a down")}
	b := &recordingSink{}
	err := Multi{a, b}.Notify(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected both sinks called, got %d and %d", a.count(), b.count())
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	if err := sink.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"event":"appointment.created"`) {
		t.Errorf("expected event field in log, got %s", buf.String())
	}
}

func TestDispatcher_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{err: errors.New("unreachable")}
	d := NewDispatcher(sink, zerolog.New(&buf), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, sampleEvent())
	cancel()
	d.Wait()

	if sink.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", sink.count())
	}
	if !strings.Contains(buf.String(), "notification delivery failed") {
		t.Errorf("expected failure to be logged, got %s", buf.String())
	}
}

type blockingSink struct{}

func (blockingSink) Notify(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_Timeout(t *testing.T) {
	d := NewDispatcher(blockingSink{}, zerolog.Nop(), 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), sampleEvent())
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not time out")
	}
}
