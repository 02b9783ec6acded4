package cache

import (
	"time"

	"golang.org/x/sync/semaphore"
)

// Flusher periodically calls FlushAll in the background, matching §4.1:
// "A background flusher wakes on a coarse periodic tick and calls
// flush_all." The weighted semaphore (golang.org/x/sync/semaphore, the
// domain-stack dependency named in SPEC_FULL.md) caps outstanding
// flush goroutines at one, so a slow flush never overlaps its successor.
type Flusher struct {
	c        *Cache
	interval time.Duration
	sem      *semaphore.Weighted
	stop     chan struct{}
	done     chan struct{}
}

// NewFlusher creates a flusher for c that wakes every interval.
func NewFlusher(c *Cache, interval time.Duration) *Flusher {
	return &Flusher{
		c:        c,
		interval: interval,
		sem:      semaphore.NewWeighted(1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the flusher loop in a new goroutine.
func (f *Flusher) Start() {
	go f.loop()
}

// Stop signals the loop to exit and waits for it to do so.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Flusher) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if f.sem.TryAcquire(1) {
				go func() {
					defer f.sem.Release(1)
					f.c.FlushAll()
				}()
			}
		}
	}
}
