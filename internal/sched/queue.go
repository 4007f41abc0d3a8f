package sched

import "github.com/kestrelos/kestrel/internal/arch"

// coreQueue is one core's scheduler state. The scheduler lock covers
// all of it; the cycle counters live separately under the raw stats
// lock.
type coreQueue struct {
	id int

	// queue holds Ready tasks ordered by {priority desc, seq asc}.
	queue []*Task

	current *Task

	// idleContext receives the core's state when it switches away
	// with nothing to run yet.
	idleContext arch.Context
}

// enqueue inserts a task preserving priority-stable order: strictly
// higher priority goes earlier, equal priority stays FIFO by arrival.
func (c *coreQueue) enqueue(t *Task) {
	t.LastCore = c.id
	idx := len(c.queue)
	for i, existing := range c.queue {
		if t.Priority > existing.Priority {
			idx = i
			break
		}
	}
	c.queue = append(c.queue, nil)
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = t
}

// dequeue removes and returns the front task.
func (c *coreQueue) dequeue() *Task {
	if len(c.queue) == 0 {
		return nil
	}
	t := c.queue[0]
	copy(c.queue, c.queue[1:])
	c.queue = c.queue[:len(c.queue)-1]
	return t
}

func (c *coreQueue) len() int { return len(c.queue) }

// stealHalf removes the back half of the queue — the lower-priority
// tail — preserving its internal order for the thief.
func (c *coreQueue) stealHalf() []*Task {
	n := len(c.queue) / 2
	if n == 0 {
		return nil
	}
	stolen := make([]*Task, n)
	copy(stolen, c.queue[len(c.queue)-n:])
	c.queue = c.queue[:len(c.queue)-n]
	return stolen
}

// remove unlinks a specific task, wherever it sits.
func (c *coreQueue) remove(t *Task) bool {
	for i, q := range c.queue {
		if q == t {
			copy(c.queue[i:], c.queue[i+1:])
			c.queue = c.queue[:len(c.queue)-1]
			return true
		}
	}
	return false
}
