// Package runner schedules virtual users for a load test.
//
// Each virtual user is an independent goroutine that runs its own sequential
// loop: pick a task by weighted random choice, execute it, then sleep for a
// think time before the next pick. Users share nothing with each other; the only
// shared state is the [Recorder] that counts task outcomes and active users.
//
// # Basic Usage
//
//	opts := runner.Options{
//		Users:     100,
//		SpawnRate: 10, // users started per second
//		Duration:  5 * time.Minute,
//		Wait:      runner.Between(time.Second, 3*time.Second),
//		NewUser:   func(id int) runner.User { return newMyUser(id) },
//		Recorder:  collector,
//	}
//	result := runner.New(opts).Run(ctx)
//
// # Users and Tasks
//
// A [User] supplies an OnStart hook and a list of weighted [Task] values. A task
// returns nil on success, an error on failure, or [ErrSkipped] when it found
// nothing to act on. Skips are counted separately and are not failures.
//
// # Think Time
//
// [WaitTime] implementations control the pause between tasks:
//   - [Between]: uniformly distributed in [min, max]
//   - [Constant]: fixed pause
//   - [Exponential]: exponentially distributed around a mean
//
// # Cancellation
//
// Cancelling the context (or reaching Duration) stops every user after its
// in-flight task returns. Tasks interrupted by cancellation are not recorded, so
// counters only ever reflect completed work.
package runner
