package training

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/aotcache/runtime"
)

var log = commonlog.GetLogger("aotcache.training")

// Compiler is the opaque JIT service the driver feeds.
type Compiler interface {
	Compile(ctx context.Context, m *runtime.Method, level uint8) error
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, m *runtime.Method, level uint8) error

func (f CompilerFunc) Compile(ctx context.Context, m *runtime.Method, level uint8) error {
	return f(ctx, m, level)
}

// DriverStats summarizes one Run.
type DriverStats struct {
	Compiled int
	Failed   int
}

// Driver runs compiler workers over a schedule. Each worker claims entries
// until none are left, so every entry is compiled at most once no matter
// how many workers run.
type Driver struct {
	Schedule *Schedule
	Compiler Compiler
	Workers  int
}

// NewDriver creates a driver with the given worker count. Values below one
// select a single worker.
func NewDriver(s *Schedule, c Compiler, workers int) *Driver {
	if workers < 1 {
		workers = 1
	}
	return &Driver{Schedule: s, Compiler: c, Workers: workers}
}

type antsLogger struct{}

func (antsLogger) Printf(format string, args ...any) {
	log.Debugf(format, args...)
}

// Run drains the schedule. Compilation failures are collected and returned
// together; they do not stop other workers.
func (d *Driver) Run(ctx context.Context) (DriverStats, error) {
	var stats DriverStats
	if d.Schedule.Len() == 0 {
		return stats, nil
	}

	pool, err := ants.NewPool(d.Workers, ants.WithOptions(ants.Options{
		Logger: antsLogger{},
		PanicHandler: func(p any) {
			log.Errorf("compiler worker panicked: %v", p)
		},
	}))
	if err != nil {
		return stats, fmt.Errorf("training: worker pool: %w", err)
	}
	defer pool.Release()

	var (
		compiled atomic.Int64
		failed   atomic.Int64
		mu       sync.Mutex
		errs     *multierror.Error
		wg       sync.WaitGroup
	)

	worker := func() {
		defer wg.Done()
		for ctx.Err() == nil {
			i, rec := d.Schedule.ClaimNext()
			if rec == nil {
				return
			}
			if err := d.Compiler.Compile(ctx, rec.Method, rec.Level); err != nil {
				failed.Add(1)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("entry %d (%s): %w", i, rec.Method, err))
				mu.Unlock()
				continue
			}
			compiled.Add(1)
		}
	}

	for w := 0; w < d.Workers; w++ {
		wg.Add(1)
		if err := pool.Submit(worker); err != nil {
			wg.Done()
			mu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("training: submit worker: %w", err))
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	stats.Compiled = int(compiled.Load())
	stats.Failed = int(failed.Load())
	log.Infof("recompiled %d of %d scheduled methods (%d failed)", stats.Compiled, d.Schedule.Len(), stats.Failed)

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, errs.ErrorOrNil()
}
