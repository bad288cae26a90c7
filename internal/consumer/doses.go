// Package consumer applies dose commands published by mobile clients on dose.commands.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/idempotency"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

const handlerName = "dose-command"

// Actions a command can carry
const (
	ActionTake = "take"
	ActionSkip = "skip"
)

var errMalformed = errors.New("malformed dose command")

// Command is the dose.commands payload
type Command struct {
	ScheduleID    string    `json:"scheduleId"`
	ReminderIndex int       `json:"reminderIndex"`
	Action        string    `json:"action"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// Key is the idempotency key of the command
func (c Command) Key() string {
	return idempotency.GenerateKey(c.ScheduleID, c.ReminderIndex, c.Action, c.IssuedAt)
}

func decodeCommand(raw []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", errMalformed, err)
	}
	c.Action = strings.ToLower(strings.TrimSpace(c.Action))
	switch {
	case c.ScheduleID == "":
		return c, fmt.Errorf("%w: scheduleId is required", errMalformed)
	case c.ReminderIndex < 0:
		return c, fmt.Errorf("%w: reminderIndex must not be negative", errMalformed)
	case c.Action != ActionTake && c.Action != ActionSkip:
		return c, fmt.Errorf("%w: unknown action %q", errMalformed, c.Action)
	case c.IssuedAt.IsZero():
		return c, fmt.Errorf("%w: issuedAt is required", errMalformed)
	}
	return c, nil
}

// DoseService is the part of regimen.Service the handler drives
type DoseService interface {
	MarkTaken(ctx context.Context, id string, index int) (regimen.DoseEvent, error)
	Skip(ctx context.Context, id string, index int) (regimen.DoseEvent, error)
}

var _ DoseService = (*regimen.Service)(nil)

// Publisher sends a record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// IsTerminal reports whether retrying a command can never succeed
func IsTerminal(err error) bool {
	return errors.Is(err, errMalformed) ||
		errors.Is(err, idempotency.ErrPreviouslyFailed) ||
		errors.Is(err, regimen.ErrInvalidTransition) ||
		errors.Is(err, regimen.ErrNotFound) ||
		errors.Is(err, regimen.ErrValidation)
}

// DeadLetter is the envelope written to the dead letter topic
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failedAt"`
}

type commandJob struct {
	msg *redpanda.ConsumedMessage
	cmd Command
}

// DoseCommandHandler applies each command at most once: the inbox deduplicates on the command
// key, the worker pool applies a batch concurrently, and terminal failures go to the dead
// letter topic so the batch can still be committed.
type DoseCommandHandler struct {
	svc     DoseService
	inbox   idempotency.Processor
	dlq     Publisher
	pool    *workerpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDoseCommandHandler(svc DoseService, inbox idempotency.Processor, dlq Publisher, cfg workerpool.Config, logger *zap.Logger, m *metrics.Metrics) (*DoseCommandHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &DoseCommandHandler{
		svc:     svc,
		inbox:   inbox,
		dlq:     dlq,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	pool, err := workerpool.New(cfg, h.apply, logger.Named("dose-pool"))
	if err != nil {
		return nil, fmt.Errorf("create dose command pool: %w", err)
	}
	h.pool = pool
	return h, nil
}

func (h *DoseCommandHandler) Start() { h.pool.Start() }

func (h *DoseCommandHandler) Stop() error { return h.pool.Stop() }

// HandleBatch is a redpanda.BatchHandler. It returns an error only when some command failed
// transiently or a dead letter could not be written; the consumer then redelivers the batch.
func (h *DoseCommandHandler) HandleBatch(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	tasks := make([]*workerpool.Task, 0, len(msgs))
	var retry []error
	for _, msg := range msgs {
		cmd, err := decodeCommand(msg.Value)
		if err != nil {
			if err := h.deadLetter(ctx, msg, err); err != nil {
				retry = append(retry, err)
			}
			continue
		}
		tctx := msg.Context
		if tctx == nil {
			tctx = ctx
		}
		tasks = append(tasks, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: &commandJob{msg: msg, cmd: cmd},
			Context: tctx,
		})
	}

	for i, res := range h.pool.Map(ctx, tasks) {
		if res.Success {
			continue
		}
		job := tasks[i].Payload.(*commandJob)
		if !IsTerminal(res.Error) {
			retry = append(retry, fmt.Errorf("command %s: %w", res.TaskID, res.Error))
			continue
		}
		// A redelivered batch dead-letters a previously failed command again.
		if err := h.deadLetter(ctx, job.msg, res.Error); err != nil {
			retry = append(retry, err)
		}
	}
	return errors.Join(retry...)
}

func (h *DoseCommandHandler) apply(ctx context.Context, task *workerpool.Task) error {
	job := task.Payload.(*commandJob)
	cmd := job.cmd

	_, err := h.inbox.Process(ctx, cmd.Key(), handlerName, job.msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		var (
			ev  regimen.DoseEvent
			err error
		)
		if cmd.Action == ActionTake {
			ev, err = h.svc.MarkTaken(ctx, cmd.ScheduleID, cmd.ReminderIndex)
		} else {
			ev, err = h.svc.Skip(ctx, cmd.ScheduleID, cmd.ReminderIndex)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(ev)
	})
	if err != nil && IsTerminal(err) {
		return workerpool.Permanent(err)
	}
	return err
}

func (h *DoseCommandHandler) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	if h.metrics != nil {
		h.metrics.DoseCommandsFailed.Inc()
	}
	h.logger.Warn("dose command rejected",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	if h.dlq == nil {
		return nil
	}
	body, err := json.Marshal(DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     string(msg.Value),
		Error:     cause.Error(),
		FailedAt:  h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := h.dlq.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), body); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
