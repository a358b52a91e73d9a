// ABOUTME: Per-session registry of long-running cancellable background tasks
// ABOUTME: Workers report progress over a channel drained by one consumer per session

package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/console-gateway/internal/events"
)

// ErrNotFound is returned when a task id is unknown or already removed.
var ErrNotFound = errors.New("task not found")

// updateBufferSize is the progress channel buffer shared by all tasks of one
// session. Workers never block on a full buffer; see Monitor.UpdateStatus.
const updateBufferSize = 64

// Task is a point-in-time snapshot of one background operation.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	Status     string    `json:"status"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Work is the unit of work run by a task. It must observe ctx for
// cooperative cancellation and report progress through the monitor.
type Work func(ctx context.Context, mon *Monitor) (result any, err error)

// Publisher receives task progress events for broadcast.
type Publisher interface {
	Publish(ev *events.Event)
}

type record struct {
	task   Task
	cancel context.CancelFunc
}

// Registry tracks the background tasks owned by exactly one session.
// Task records are mutated only by the registry's consumer goroutine and the
// public methods, both under the registry mutex, so snapshots are consistent.
type Registry struct {
	mu        sync.Mutex
	sessionID string
	tasks     map[string]*record
	updates   chan update
	done      chan struct{}
	closeOnce sync.Once
	publisher Publisher
	logger    *slog.Logger
}

type update struct {
	taskID string
	status string // progress text, if set
	final  bool   // completion marker
	result any
	err    error
}

// NewRegistry creates a task registry for the given session and starts its
// progress consumer. Pass nil logger for default.
func NewRegistry(sessionID string, publisher Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessionID: sessionID,
		tasks:     make(map[string]*record),
		updates:   make(chan update, updateBufferSize),
		done:      make(chan struct{}),
		publisher: publisher,
		logger:    logger.With("component", "tasks", "session_id", sessionID),
	}
	go r.consume()
	return r
}

// Start registers a new running task and launches the work in its own
// goroutine. Returns the task id.
func (r *Registry) Start(name string, work Work) string {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.tasks[id] = &record{
		task: Task{
			ID:        id,
			Name:      name,
			Running:   true,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
	}
	r.mu.Unlock()

	mon := &Monitor{
		SessionID: r.sessionID,
		TaskID:    id,
		updates:   r.updates,
		done:      r.done,
	}

	go func() {
		result, err := work(ctx, mon)
		cancel()
		r.send(update{taskID: id, final: true, result: result, err: err})
	}()

	r.logger.Debug("task started", "task_id", id, "name", name)
	return id
}

// Status returns a snapshot of the task. If the task has finished and
// removeOnFinish is set, the entry is atomically removed: a subsequent call
// reports ErrNotFound.
func (r *Registry) Status(taskID string, removeOnFinish bool) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := rec.task
	if !rec.task.Running && removeOnFinish {
		delete(r.tasks, taskID)
	}
	return &snapshot, nil
}

// Cancel requests cooperative cancellation of a task. Returns whether a task
// with that id existed and was signaled. The registry never force-kills; the
// work observes its context at its own checkpoints.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	rec.task.Cancelled = true
	rec.cancel()
	r.logger.Debug("task cancellation requested", "task_id", taskID)
	return true
}

// List returns snapshots of all tracked tasks.
func (r *Registry) List() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, rec := range r.tasks {
		snapshot := rec.task
		out = append(out, &snapshot)
	}
	return out
}

// Close cancels every outstanding task and removes all entries. The
// underlying work terminates on its own schedule; the registry view is
// cleared immediately. Safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		for id, rec := range r.tasks {
			rec.cancel()
			delete(r.tasks, id)
		}
		r.mu.Unlock()
		close(r.done)
	})
}

// send enqueues an update unless the registry is already closed.
func (r *Registry) send(u update) {
	select {
	case <-r.done:
	case r.updates <- u:
	}
}

// consume is the single mutator for progress updates. It applies each update
// to the task record and raises the corresponding broadcast event.
func (r *Registry) consume() {
	for {
		select {
		case <-r.done:
			return
		case u := <-r.updates:
			r.apply(u)
		}
	}
}

func (r *Registry) apply(u update) {
	r.mu.Lock()
	rec, ok := r.tasks[u.taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if u.final {
		rec.task.Running = false
		rec.task.FinishedAt = time.Now()
		if u.err != nil {
			rec.task.Error = u.err.Error()
		} else {
			rec.task.Result = u.result
		}
	} else {
		rec.task.Status = u.status
	}
	snapshot := rec.task
	r.mu.Unlock()

	if r.publisher != nil {
		r.publisher.Publish(&events.Event{
			Topic:           events.TopicTask,
			OriginSessionID: r.sessionID,
			Reflective:      true,
			Payload:         events.Marshal(&snapshot),
		})
	}
}

// Monitor is what a worker uses to report progress. It carries only the
// session and task ids plus the update channel, never a live reference to
// the session, so workers cannot race on session state.
type Monitor struct {
	SessionID string
	TaskID    string
	updates   chan<- update
	done      <-chan struct{}
}

// UpdateStatus stores the progress text on the task record and raises a task
// event. Non-blocking once the registry is closed.
func (m *Monitor) UpdateStatus(text string) {
	select {
	case <-m.done:
	case m.updates <- update{taskID: m.TaskID, status: text}:
	}
}
