// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent jobs (e.g. training of ensemble members) with bounded parallelism
// and collects their errors.
package workerspool

import (
	"sync"

	"github.com/pkg/errors"
)

// Pool runs jobs with at most maxParallelism of them running at a time.
//
// The zero value is not usable, create it with New.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int

	errs []error
}

// New returns a Pool with the given parallelism.
//
// If maxParallelism is 0 or 1, jobs are executed inline, in the calling goroutine, in order.
// If maxParallelism < 0, parallelism is unlimited.
func New(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsSequential returns whether jobs are run inline, one after the other.
func (p *Pool) IsSequential() bool {
	return p.maxParallelism == 0 || p.maxParallelism == 1
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// Go waits for a worker to be available, and then runs job on it. The job's error, if any, is collected and
// returned by Wait, annotated with name.
func (p *Pool) Go(name string, job func() error) {
	if p.IsSequential() {
		p.record(name, job())
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		err := job()
		p.mu.Lock()
		p.numRunning--
		p.lockedRecord(name, err)
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

func (p *Pool) record(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedRecord(name, err)
}

func (p *Pool) lockedRecord(name string, err error) {
	if err != nil {
		p.errs = append(p.errs, errors.WithMessage(err, name))
	}
}

// Wait blocks until all jobs started with Go have finished. It returns the first collected error, if any.
// The number of failed jobs is included in the message when more than one failed.
func (p *Pool) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning > 0 {
		p.cond.Wait()
	}
	switch len(p.errs) {
	case 0:
		return nil
	case 1:
		return p.errs[0]
	default:
		return errors.WithMessagef(p.errs[0], "%d jobs failed, first error", len(p.errs))
	}
}
