package runner

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Result captures execution summary.
type Result struct {
	Users    int64 // users that were started
	Tasks    int64 // completed task executions, including skips
	Failures int64
	Skipped  int64
	Duration time.Duration
}

// Runner spawns virtual users and drives their task loops.
type Runner struct {
	opt Options
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt}
}

// Run blocks until Duration elapses or ctx is cancelled, and every user has
// returned from its in-flight task.
func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	var users, tasks, failures, skipped int64

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.opt.Duration > 0 {
		deadlineCtx, deadlineCancel := context.WithTimeout(ctx, r.opt.Duration)
		ctx = deadlineCtx
		defer deadlineCancel()
	}

	var wg sync.WaitGroup
	limiter := r.opt.LimiterFactory(r.opt.SpawnRate)

	// Spawner: serializes user starts so the spawn rate holds regardless of how
	// long each user's OnStart takes.
	for i := 0; i < r.opt.Users; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if r.opt.NewUser == nil {
			break
		}
		user := r.opt.NewUser(i)
		if user == nil {
			continue
		}
		atomic.AddInt64(&users, 1)
		wg.Add(1)
		go func(id int, user User) {
			defer wg.Done()
			r.runUser(ctx, id, user, &tasks, &failures, &skipped)
		}(i, user)
	}

	wg.Wait()

	return Result{
		Users:    atomic.LoadInt64(&users),
		Tasks:    atomic.LoadInt64(&tasks),
		Failures: atomic.LoadInt64(&failures),
		Skipped:  atomic.LoadInt64(&skipped),
		Duration: time.Since(start),
	}
}

func (r *Runner) runUser(ctx context.Context, id int, user User, tasks, failures, skipped *int64) {
	rec := r.opt.Recorder
	rec.UserStarted()
	defer rec.UserStopped()
	if s, ok := user.(Stopper); ok {
		defer s.OnStop()
	}

	if err := user.OnStart(ctx); err != nil && ctx.Err() == nil && r.opt.Logger != nil {
		r.opt.Logger.LogFailure("on_start", err)
	}

	rnd := rand.New(rand.NewSource(r.opt.RandomSeed + int64(id)))
	picker := newTaskPicker(r.wrap(user.Tasks()), rnd)

	for ctx.Err() == nil {
		task, ok := picker.pick()
		if !ok {
			// Nothing runnable; idle until the run ends.
			<-ctx.Done()
			return
		}

		err := task.Run(ctx)
		if ctx.Err() != nil {
			// Abandoned by cancellation; do not count partial work.
			return
		}

		atomic.AddInt64(tasks, 1)
		switch {
		case errors.Is(err, ErrSkipped):
			atomic.AddInt64(skipped, 1)
			rec.RecordSkip(task.Name)
		case err != nil:
			atomic.AddInt64(failures, 1)
			rec.RecordTask(task.Name, err)
			if r.opt.Logger != nil {
				r.opt.Logger.LogFailure(task.Name, err)
			}
		default:
			rec.RecordTask(task.Name, nil)
		}

		if err := sleep(ctx, r.opt.Wait.Next(rnd)); err != nil {
			return
		}
	}
}

func (r *Runner) wrap(tasks []Task) []Task {
	if len(r.opt.Middleware) == 0 {
		return tasks
	}
	wrapped := make([]Task, len(tasks))
	for i, t := range tasks {
		for j := len(r.opt.Middleware) - 1; j >= 0; j-- {
			t = r.opt.Middleware[j](t)
		}
		wrapped[i] = t
	}
	return wrapped
}
