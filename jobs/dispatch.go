/*
Copyright © 2019 the climproc authors.
This file is part of climproc.

climproc is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

climproc is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with climproc.  If not, see <http://www.gnu.org/licenses/>.
*/

package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/climproc"
	"golang.org/x/sync/errgroup"
)

// RunFunc runs one job in the given worker slot.
type RunFunc func(ctx context.Context, job Job, slot int) Result

// Dispatcher runs jobs on a fixed pool of workers.
type Dispatcher struct {
	// Workers is the number of jobs that run at the same time.
	// The default is GOMAXPROCS.
	Workers int

	// Retries is the number of times RunWithRetry re-runs failed jobs.
	Retries int

	// BackOff returns the retry policy of RunWithRetry. The default is
	// exponential back-off.
	BackOff func() backoff.BackOff

	Log logrus.FieldLogger
}

func (d *Dispatcher) log() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}

// Summary holds the results of a batch, in the order of the jobs.
type Summary struct {
	Results                   []Result
	Computed, Skipped, Failed int
}

func (s *Summary) count() {
	s.Computed, s.Skipped, s.Failed = 0, 0, 0
	for _, r := range s.Results {
		switch r.Status {
		case Computed:
			s.Computed++
		case Skipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
}

// ExitCode returns the process exit code for the summary.
func (s Summary) ExitCode() int { return ExitCode(s.Failed, len(s.Results)) }

// Run runs every job with fn. Errors and panics in one job are
// recorded in its Result and do not affect the other jobs. If ctx is
// canceled, jobs that have not started fail with the context error.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job, fn RunFunc) Summary {
	s := Summary{Results: make([]Result, len(jobs))}
	started := make([]bool, len(jobs))
	n := d.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n > len(jobs) {
		n = len(jobs)
	}

	queue := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for i := range jobs {
			select {
			case queue <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for slot := 0; slot < n; slot++ {
		slot := slot
		g.Go(func() error {
			for i := range queue {
				started[i] = true
				s.Results[i] = d.runOne(gctx, fn, jobs[i], slot)
			}
			return nil
		})
	}
	g.Wait()

	for i, ok := range started {
		if !ok {
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("jobs: job was not run")
			}
			s.Results[i] = Result{Job: jobs[i], Status: Failed, Err: err}
		}
	}
	s.count()
	d.log().WithFields(logrus.Fields{
		"jobs":     len(jobs),
		"computed": s.Computed,
		"skipped":  s.Skipped,
		"failed":   s.Failed,
	}).Info("jobs: batch finished")
	return s
}

// runOne runs a single job, converting a panic into a failed Result.
func (d *Dispatcher) runOne(ctx context.Context, fn RunFunc, job Job, slot int) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("jobs: panic: %v", p)
			d.log().WithFields(job.Fields()).WithError(err).Error("jobs: job panicked")
			r = Result{Job: job, Status: Failed, Err: err}
		}
	}()
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Status: Failed, Err: err}
	}
	r = fn(ctx, job, slot)
	r.Job = job
	return r
}

// RunWithRetry runs the jobs and then re-runs the failed ones up to
// d.Retries times. Jobs that failed with a climproc error type or
// because ctx was canceled are not retried.
func (d *Dispatcher) RunWithRetry(ctx context.Context, jobs []Job, fn RunFunc) Summary {
	if d.Retries <= 0 {
		return d.Run(ctx, jobs, fn)
	}
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	if d.BackOff != nil {
		b = d.BackOff()
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.Retries)), ctx)

	var s Summary
	first := true
	backoff.RetryNotify(
		func() error {
			if first {
				first = false
				s = d.Run(ctx, jobs, fn)
			} else {
				var idx []int
				for i, r := range s.Results {
					if r.Status == Failed && retryable(r.Err) {
						idx = append(idx, i)
					}
				}
				retry := make([]Job, len(idx))
				for k, i := range idx {
					retry[k] = jobs[i]
				}
				rs := d.Run(ctx, retry, fn)
				for k, i := range idx {
					s.Results[i] = rs.Results[k]
				}
			}
			failed := 0
			for _, r := range s.Results {
				if r.Status == Failed && retryable(r.Err) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("jobs: %d jobs failed", failed)
			}
			return nil
		},
		b,
		func(err error, wait time.Duration) {
			d.log().WithError(err).Warnf("jobs: retrying failed jobs in %v", wait)
		},
	)
	s.count()
	return s
}

// retryable returns whether a job that failed with err may succeed
// when run again.
func retryable(err error) bool {
	var ce *climproc.ConfigError
	var de *climproc.DateError
	var dse *climproc.DatasetError
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	return !(errors.As(err, &ce) || errors.As(err, &de) || errors.As(err, &dse))
}

// ExitCode returns 0 if no job failed, and otherwise 10 plus the
// failed fraction of total in tenths, rounded up, so between 11 and 20.
func ExitCode(failed, total int) int {
	if failed <= 0 || total <= 0 {
		return 0
	}
	if failed > total {
		failed = total
	}
	return 10 + (10*failed+total-1)/total
}
