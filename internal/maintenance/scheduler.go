// Package maintenance runs the periodic sweeps: dead-letter purge, expired lease
// reclaim and metric trimming.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/logging"
)

var ErrUnknownTask = errors.New("maintenance: unknown task")

// Task is one scheduled sweep.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs tasks on cron schedules. A run that is still going when its next
// slot arrives is skipped.
type Scheduler struct {
	cron  *cron.Cron
	tasks map[string]Task
	log   logrus.FieldLogger

	mu  sync.Mutex
	ctx context.Context
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(log logrus.FieldLogger, tasks ...Task) (*Scheduler, error) {
	if log == nil {
		log = logging.Discard()
	}
	s := &Scheduler{tasks: map[string]Task{}, log: log, ctx: context.Background()}
	cl := cronLogger{log}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("maintenance: task %q is incomplete", t.Name)
		}
		if _, dup := s.tasks[t.Name]; dup {
			return nil, fmt.Errorf("maintenance: duplicate task %q", t.Name)
		}
		sched, err := parser.Parse(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("maintenance: invalid schedule %q for %s: %w", t.Schedule, t.Name, err)
		}
		s.tasks[t.Name] = t
		name := t.Name
		s.cron.Schedule(sched, cron.FuncJob(func() { _ = s.RunNow(s.context(), name) }))
	}
	return s, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Run starts the schedule and blocks until ctx is cancelled and running tasks finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.WithField("tasks", s.Names()).Info("maintenance scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// RunNow executes a task immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	start := time.Now()
	err := t.Run(ctx)
	log := s.log.WithFields(logrus.Fields{"task": name, "took": time.Since(start).String()})
	if err != nil {
		log.WithError(err).Error("maintenance task failed")
		return err
	}
	log.Debug("maintenance task done")
	return nil
}

// Names lists registered tasks.
func (s *Scheduler) Names() []string {
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Next reports when a task fires next after from.
func (s *Scheduler) Next(name string, from time.Time) (time.Time, error) {
	t, ok := s.tasks[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	sched, err := parser.Parse(t.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// cronLogger routes cron's own messages to logrus.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}
