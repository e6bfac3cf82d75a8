/*
Robin Mail Transfer Agent - SMTP/ESMTP/LMTP debugging and staging server.
Copyright © 2021-2026 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// Failure is one recipient a delivery attempt could not serve.
type Failure struct {
	Rcpt string
	Err  error
}

// Deliverer runs one delivery attempt for one envelope. The returned
// slice holds the recipients that failed; empty means the envelope is
// fully delivered.
type Deliverer interface {
	Deliver(ctx context.Context, j *Job, e *msg.Envelope) []Failure
}

// Bouncer builds the DSN envelope for one recipient that exhausted its
// retries.
type Bouncer interface {
	Bounce(e *msg.Envelope, f Failure) (*msg.Envelope, error)
}

// Cron drains the queue on a timer. Deliveries fan out to a bounded
// worker group, but all retry-state accounting happens on the cron
// goroutine; nothing else dequeues.
type Cron struct {
	Cfg      config.Cron
	Store    Store
	Deliver  Deliverer
	Bounce   Bouncer
	QueueDir string
	Backend  string
	Log      log.Logger

	// now is replaceable in tests.
	now func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewCron(cfg config.Cron, store Store, deliver Deliverer, bounce Bouncer, queueDir, backend string, logger log.Logger) *Cron {
	return &Cron{
		Cfg:      cfg,
		Store:    store,
		Deliver:  deliver,
		Bounce:   bounce,
		QueueDir: queueDir,
		Backend:  backend,
		Log:      logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the cron goroutine: first tick after the initial
// delay, then every period.
func (c *Cron) Start() {
	go func() {
		defer close(c.done)

		select {
		case <-time.After(time.Duration(c.Cfg.InitialDelaySeconds) * time.Second):
		case <-c.stop:
			return
		}

		ticker := time.NewTicker(time.Duration(c.Cfg.PeriodSeconds) * time.Second)
		defer ticker.Stop()

		for {
			c.Tick(context.Background())
			select {
			case <-ticker.C:
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *Cron) Close() {
	close(c.stop)
	<-c.done
}

// Tick processes up to MaxDequeuePerTick jobs. DSN jobs born during the
// tick are enqueued only after the dequeue loop so they wait for the
// next tick instead of being attempted immediately.
func (c *Cron) Tick(ctx context.Context) {
	var requeue, bounces []*Job

	for i := 0; i < c.Cfg.MaxDequeuePerTick; i++ {
		j, err := c.Store.Dequeue()
		if errors.Is(err, ErrEmpty) {
			break
		}
		if err != nil {
			c.Log.Error("queue dequeue failed", err)
			break
		}

		if !c.eligible(j) {
			// Keep the payload parked in the queue dir while it waits.
			for _, e := range j.Envelopes {
				if err := SpoolPayload(c.QueueDir, e); err != nil {
					c.Log.Error("payload spool failed", err, "job", j.UID)
				}
			}
			requeue = append(requeue, j)
			continue
		}

		bounces = append(bounces, c.process(ctx, j)...)
	}

	for _, j := range requeue {
		if err := c.Store.Enqueue(j); err != nil {
			c.Log.Error("queue re-enqueue failed", err, "job", j.UID)
		}
	}

	// Front-load in reverse so the earliest bounce ends up first.
	for i := len(bounces) - 1; i >= 0; i-- {
		if err := c.Store.EnqueueFront(bounces[i]); err != nil {
			c.Log.Error("bounce enqueue failed", err, "job", bounces[i].UID)
		}
	}

	if n, err := c.Store.Len(); err == nil {
		queuedJobs.WithLabelValues(c.Backend).Set(float64(n))
	}
}

func (c *Cron) eligible(j *Job) bool {
	if j.LastRetry.IsZero() {
		return true
	}
	next := j.LastRetry.Add(Backoff(c.Cfg.FirstWaitMinutes, c.Cfg.GrowthFactor, j.RetryCount))
	return !c.now().Before(next)
}

// process runs one delivery attempt and returns the DSN jobs to enqueue
// once the caller's dequeue loop is done.
func (c *Cron) process(ctx context.Context, j *Job) []*Job {
	now := c.now()

	results := make([][]Failure, len(j.Envelopes))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers())
	for i, e := range j.Envelopes {
		i, e := i, e
		e.LastAttempt = now
		group.Go(func() error {
			results[i] = c.Deliver.Deliver(gctx, j, e)
			return nil
		})
	}
	group.Wait()

	// Accounting happens here, single-threaded.
	var remaining []*msg.Envelope
	var remainingFailures [][]Failure
	for i, e := range j.Envelopes {
		failures := results[i]
		if len(failures) == 0 {
			deliveredEnvelopes.WithLabelValues(string(j.Protocol)).Inc()
			RemovePayload(e)
			c.Log.Msg("envelope delivered", "job", j.UID, "uid", e.SessionUID, "rcpts", len(e.Recipients))
			continue
		}

		// Partial delivery keeps only the failed subset for the retry.
		failed := make([]string, 0, len(failures))
		for _, f := range failures {
			failed = append(failed, f.Rcpt)
		}
		e.Recipients = failed
		remaining = append(remaining, e)
		remainingFailures = append(remainingFailures, failures)
	}

	if len(remaining) == 0 {
		return nil
	}

	if j.RetryCount < c.Cfg.MaxRetries {
		j.Envelopes = remaining
		j.RetryCount++
		j.LastRetry = now
		for _, e := range j.Envelopes {
			e.RetryCount = j.RetryCount
			if err := SpoolPayload(c.QueueDir, e); err != nil {
				c.Log.Error("payload spool failed", err, "job", j.UID)
			}
		}
		if err := c.Store.Enqueue(j); err != nil {
			c.Log.Error("queue re-enqueue failed", err, "job", j.UID)
		}
		c.Log.Msg("job retry scheduled", "job", j.UID, "retry", j.RetryCount, "envelopes", len(j.Envelopes))
		return nil
	}

	return c.bounceAll(remaining, remainingFailures, j)
}

// bounceAll builds one top-priority DSN job per remaining recipient and
// drops the original job. The caller enqueues the returned jobs.
func (c *Cron) bounceAll(envelopes []*msg.Envelope, failures [][]Failure, j *Job) []*Job {
	var bounces []*Job
	for i, e := range envelopes {
		for _, f := range failures[i] {
			if c.Bounce == nil {
				break
			}
			dsnEnv, err := c.Bounce.Bounce(e, f)
			if err != nil {
				c.Log.Error("bounce generation failed", err, "job", j.UID, "rcpt", f.Rcpt)
				continue
			}
			if dsnEnv == nil {
				// Null reverse-path, nothing to notify.
				continue
			}
			bounces = append(bounces, NewJob(ProtocolESMTP, dsnEnv))
			bouncedEnvelopes.Inc()
			c.Log.Msg("bounce queued", "job", j.UID, "rcpt", f.Rcpt)
		}
		RemovePayload(e)
	}
	return bounces
}

func (c *Cron) workers() int {
	if c.Cfg.DeliveryWorkers <= 0 {
		return 1
	}
	return c.Cfg.DeliveryWorkers
}
