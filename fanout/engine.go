package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zsiec/moqrelay/cache"
	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/relation"
	"github.com/zsiec/moqrelay/transport"
)

// Engine owns every running fan-out Task for one relay instance, keyed by
// the downstream subscription it serves.
type Engine struct {
	log zerolog.Logger

	mu    sync.Mutex
	tasks map[relation.SubKey]*running
}

type running struct {
	task   *Task
	cancel context.CancelFunc
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log:   log.With().Str("component", "fanout").Logger(),
		tasks: make(map[relation.SubKey]*running),
	}
}

// Start builds a Reader over track per filter/order/range and launches a
// Task draining it to conn under key. ctx is the parent for the task's
// lifetime (typically the downstream session's context); Start returns
// once the task goroutine has been launched.
func (e *Engine) Start(ctx context.Context, key relation.SubKey, conn transport.Connection, ctrl ControlSender, track *cache.Track, params Params, filter control.FilterType, order control.GroupOrder, startGroup, startObject, endGroup *uint64) error {
	reader, err := cache.NewReader(track, filter, order, startGroup, startObject, endGroup)
	if err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := NewTask(e.log, conn, ctrl, reader, track, params)

	e.mu.Lock()
	if old, exists := e.tasks[key]; exists {
		old.cancel()
	}
	e.tasks[key] = &running{task: task, cancel: cancel}
	e.mu.Unlock()

	go func() {
		task.Run(taskCtx)
		e.mu.Lock()
		if cur, ok := e.tasks[key]; ok && cur.task == task {
			delete(e.tasks, key)
		}
		e.mu.Unlock()
	}()
	return nil
}

// Stop terminates the task for key, if any, sending SUBSCRIBE_DONE with
// status first.
func (e *Engine) Stop(key relation.SubKey, status control.SubscribeDoneStatus, reason string) {
	e.mu.Lock()
	r, ok := e.tasks[key]
	delete(e.tasks, key)
	e.mu.Unlock()
	if !ok {
		return
	}
	r.task.Terminate(status, reason)
	r.cancel()
}

// Running reports whether a task is currently draining for key.
func (e *Engine) Running(key relation.SubKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[key]
	return ok
}
