package runner

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Task is one weighted unit of virtual user behaviour.
type Task struct {
	Name   string
	Weight int
	Run    func(ctx context.Context) error
}

// User abstracts a single simulated client.
type User interface {
	// OnStart runs once before the first task. An error is logged but does not
	// stop the user.
	OnStart(ctx context.Context) error
	Tasks() []Task
}

// Stopper is implemented by users that need a hook once their loop ends.
type Stopper interface {
	OnStop()
}

// Recorder receives user lifecycle and task outcome events.
type Recorder interface {
	UserStarted()
	UserStopped()
	RecordTask(name string, err error)
	RecordSkip(name string)
}

// Middleware decorates a task, e.g. to trace it.
type Middleware func(Task) Task

// Options configure the Runner.
type Options struct {
	Users          int                                // number of virtual users
	SpawnRate      float64                            // users started per second (0 means all at once)
	Duration       time.Duration                      // overall time limit (0 means until ctx is cancelled)
	Wait           WaitTime                           // think time between tasks
	NewUser        func(id int) User                  // user factory (required)
	Recorder       Recorder                           // outcome sink (optional)
	Logger         FailureLogger                      // failed task logger (optional)
	Middleware     []Middleware                       // applied to every task, outermost first
	RandomSeed     int64                              // base seed; user i uses RandomSeed+i
	LimiterFactory func(perSec float64) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Users <= 0 {
		o.Users = 1
	}
	if o.SpawnRate < 0 {
		o.SpawnRate = 0
	}
	if o.Duration < 0 {
		o.Duration = 0
	}
	if o.Wait == nil {
		o.Wait = Constant(0)
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(perSec float64) *rate.Limiter {
			if perSec <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst of one keeps user starts evenly spaced.
			return rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) UserStarted()             {}
func (nopRecorder) UserStopped()             {}
func (nopRecorder) RecordTask(string, error) {}
func (nopRecorder) RecordSkip(string)        {}
