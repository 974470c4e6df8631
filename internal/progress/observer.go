package progress

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/metrics"
	"github.com/JakeFAU/downloader-pool/internal/task"
)

var stageByEvent = map[string]Stage{
	task.EventQueued:        StageQueued,
	task.EventDispatched:    StageDispatched,
	task.EventError:         StageError,
	task.EventRedispatching: StageRedispatched,
	task.EventFinished:      StageFinished,
	task.EventTerminated:    StageTerminated,
}

// TaskObserver adapts an Emitter to task.Observer.
type TaskObserver struct {
	emitter Emitter
	logger  *zap.Logger
}

var _ task.Observer = (*TaskObserver)(nil)

// NewTaskObserver forwards every task log entry to emitter.
func NewTaskObserver(emitter Emitter, logger *zap.Logger) *TaskObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskObserver{emitter: emitter, logger: logger}
}

// TaskEvent implements task.Observer. It runs on the goroutine that changed the task
// and must not block.
func (o *TaskObserver) TaskEvent(t *task.Task, entry task.LogEntry) {
	if o == nil || o.emitter == nil || entry.Event == task.EventInterrupted {
		return
	}
	evt, err := EventFromLog(t, entry)
	if err != nil {
		o.logger.Debug("skipping task event", zap.String("task_id", t.ID()), zap.Error(err))
		return
	}
	o.emitter.Emit(evt)
}

// EventFromLog builds the progress event for one log entry of t.
func EventFromLog(t *task.Task, entry task.LogEntry) (Event, error) {
	id, err := uuid.Parse(t.TraceID())
	if err != nil {
		return Event{}, fmt.Errorf("parse trace id %q: %w", t.TraceID(), err)
	}
	stage, ok := stageByEvent[entry.Event]
	if !ok {
		return Event{}, fmt.Errorf("unknown task event %q", entry.Event)
	}
	evt := Event{
		TaskID:   UUIDToBytes(id),
		ShortID:  t.ID(),
		TS:       entry.At,
		Stage:    stage,
		URL:      t.URL(),
		Site:     metrics.SanitizeSite(t.URL()),
		WorkerID: entry.WorkerID,
		Attempts: entry.Attempts,
		Note:     entry.Message,
	}
	if stage.Terminal() {
		if d := entry.At.Sub(t.CreatedAt()); d > 0 {
			evt.Dur = d
		}
	}
	if stage == StageFinished {
		if resp, ok := t.Response(); ok {
			evt.StatusCode = resp.Code
			evt.StatusClass = ClassifyStatus(resp.Code)
			evt.Bytes = int64(len(resp.Raw))
			evt.Note = resp.Location
		} else {
			evt.StatusClass = StatusOther
		}
	}
	return evt, nil
}
