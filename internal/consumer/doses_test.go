package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/infrastructure/memory"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/idempotency"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

var base = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	letters []DeadLetter
	fail    bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	if topic != redpanda.TopicDeadLetter {
		return errors.New("unexpected topic " + topic)
	}
	var dl DeadLetter
	if err := json.Unmarshal(value, &dl); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, dl)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.letters)
}

// flakyService fails the first n calls.
type flakyService struct {
	DoseService
	mu sync.Mutex
	n  int
}

func (f *flakyService) MarkTaken(ctx context.Context, id string, index int) (regimen.DoseEvent, error) {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return regimen.DoseEvent{}, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.DoseService.MarkTaken(ctx, id, index)
}

func newService(t *testing.T) (*regimen.Service, string) {
	t.Helper()
	now := base.Add(7 * time.Hour)
	svc := regimen.NewService(memory.NewRegimenStore(), regimen.NewEngine(time.UTC, nil), nil,
		regimen.WithClock(func() time.Time { return now }))
	s, err := svc.Create(context.Background(), regimen.Definition{
		OwnerID:      "u1",
		PatientID:    "p1",
		MedicineName: "Amoxicillin",
		Dose:         1,
		Cadence:      regimen.DailyCadence{TimesPerDay: 2},
		StartHour:    8,
		StartAt:      base,
		EndAt:        base.AddDate(0, 0, 4),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return svc, s.ID
}

func newHandler(t *testing.T, svc DoseService, dlq Publisher) (*DoseCommandHandler, *idempotency.MemoryInbox, *metrics.Metrics) {
	t.Helper()
	cfg := idempotency.DefaultInboxConfig()
	cfg.IsTerminal = IsTerminal
	inbox := idempotency.NewMemoryInbox(cfg)
	m := metrics.New(prometheus.NewRegistry())
	h, err := NewDoseCommandHandler(svc, inbox, dlq,
		workerpool.Config{Workers: 4, QueueSize: 16, MaxRetries: 2, RetryDelay: time.Millisecond}, nil, m)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	h.Start()
	t.Cleanup(func() { _ = h.Stop() })
	return h, inbox, m
}

var offset int64

func message(t *testing.T, v any) *redpanda.ConsumedMessage {
	t.Helper()
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	default:
		var err error
		if raw, err = json.Marshal(x); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	offset++
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseCommands, Offset: offset, Value: raw}
}

func TestHandleBatchAppliesAndDeadLetters(t *testing.T) {
	svc, id := newService(t)
	dlq := &recordingPublisher{}
	h, inbox, m := newHandler(t, svc, dlq)
	ctx := context.Background()

	take := Command{ScheduleID: id, ReminderIndex: 0, Action: ActionTake, IssuedAt: base.Add(6 * time.Hour)}
	skip := Command{ScheduleID: id, ReminderIndex: 1, Action: "SKIP", IssuedAt: base.Add(6 * time.Hour)}
	ghost := Command{ScheduleID: "missing", ReminderIndex: 0, Action: ActionTake, IssuedAt: base}
	takeMsg, ghostMsg := message(t, take), message(t, ghost)

	err := h.HandleBatch(ctx, []*redpanda.ConsumedMessage{takeMsg, message(t, skip), message(t, "{not json"), ghostMsg})
	if err != nil {
		t.Fatalf("handle batch: %v", err)
	}

	s, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Reminders[0].Status != regimen.StatusTaken || s.Reminders[1].Status != regimen.StatusSkipped {
		t.Errorf("statuses = %s, %s", s.Reminders[0].Status, s.Reminders[1].Status)
	}
	if dlq.count() != 2 {
		t.Errorf("dead letters = %d, want 2", dlq.count())
	}
	if st, _ := inbox.Status(take.Key()); st != idempotency.StatusFinished {
		t.Errorf("take status = %s", st)
	}
	if st, _ := inbox.Status(ghost.Key()); st != idempotency.StatusFailed {
		t.Errorf("ghost status = %s", st)
	}

	// Redelivery: the finished take is not applied twice, a new take of the same dose is
	// rejected, and the failed ghost is dead-lettered again.
	retake := take
	retake.IssuedAt = take.IssuedAt.Add(time.Minute)
	err = h.HandleBatch(ctx, []*redpanda.ConsumedMessage{takeMsg, ghostMsg, message(t, retake)})
	if err != nil {
		t.Fatalf("redelivered batch: %v", err)
	}
	if dlq.count() != 4 {
		t.Errorf("dead letters = %d, want 4", dlq.count())
	}
	after, _ := svc.Get(ctx, id)
	if after.Version != s.Version {
		t.Errorf("redelivery wrote the schedule: version %d -> %d", s.Version, after.Version)
	}
	if got := testutil.ToFloat64(m.DoseCommandsFailed); got != 4 {
		t.Errorf("failed commands = %v, want 4", got)
	}
}

func TestHandleBatchReturnsTransientFailures(t *testing.T) {
	svc, id := newService(t)
	flaky := &flakyService{DoseService: svc, n: 3}
	h, inbox, _ := newHandler(t, flaky, &recordingPublisher{})
	ctx := context.Background()

	cmd := Command{ScheduleID: id, ReminderIndex: 2, Action: ActionTake, IssuedAt: base.Add(7 * time.Hour)}
	msg := message(t, cmd)

	if err := h.HandleBatch(ctx, []*redpanda.ConsumedMessage{msg}); err == nil {
		t.Fatal("expected the batch to fail after retries were exhausted")
	}
	if st, _ := inbox.Status(cmd.Key()); st != idempotency.StatusRecoverable {
		t.Errorf("status = %s, want RECOVERABLE", st)
	}

	if err := h.HandleBatch(ctx, []*redpanda.ConsumedMessage{msg}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	s, _ := svc.Get(ctx, id)
	if s.Reminders[2].Status != regimen.StatusTaken {
		t.Errorf("status = %s, want Taken", s.Reminders[2].Status)
	}
}

func TestHandleBatchFailsWhenDeadLetterUnavailable(t *testing.T) {
	svc, _ := newService(t)
	h, _, _ := newHandler(t, svc, &recordingPublisher{fail: true})

	err := h.HandleBatch(context.Background(), []*redpanda.ConsumedMessage{message(t, `{"action":"take"}`)})
	if err == nil {
		t.Fatal("expected an error when the dead letter cannot be written")
	}
}

func TestDecodeCommand(t *testing.T) {
	valid := `{"scheduleId":"s1","reminderIndex":3,"action":" Take ","issuedAt":"2026-03-10T08:00:00Z"}`
	c, err := decodeCommand([]byte(valid))
	if err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}
	if c.Action != ActionTake || c.ReminderIndex != 3 {
		t.Errorf("decoded %+v", c)
	}

	for _, raw := range []string{
		`[]`,
		`{"reminderIndex":0,"action":"take","issuedAt":"2026-03-10T08:00:00Z"}`,
		`{"scheduleId":"s1","reminderIndex":-1,"action":"take","issuedAt":"2026-03-10T08:00:00Z"}`,
		`{"scheduleId":"s1","reminderIndex":0,"action":"undo","issuedAt":"2026-03-10T08:00:00Z"}`,
		`{"scheduleId":"s1","reminderIndex":0,"action":"take"}`,
	} {
		if _, err := decodeCommand([]byte(raw)); !IsTerminal(err) {
			t.Errorf("%s: expected a terminal error, got %v", raw, err)
		}
	}
}
