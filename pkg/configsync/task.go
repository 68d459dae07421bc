package configsync

import (
	"errors"
	"time"

	"github.com/vango-dev/serversync/pkg/protocol"
)

// SendTask delivers one package to one peer. It is a resumable state
// machine that suspends at exactly two points: while the peer's outbound
// queue is above the high-water mark, and after each fragment except the
// last.
type SendTask struct {
	reg     *Registry
	peer    Peer
	chunks  [][]byte
	next    int
	waiting time.Time // start of the current queue wait
	done    bool
	err     error
	onDone  func(error)
}

// Peer returns the destination.
func (t *SendTask) Peer() Peer { return t.peer }

// Done reports whether the task finished.
func (t *SendTask) Done() bool { return t.done }

// Err returns the failure of a finished task.
func (t *SendTask) Err() error { return t.err }

// step runs the task until its next suspension point and reports whether
// it finished.
func (t *SendTask) step(now time.Time) bool {
	if t.done {
		return true
	}
	m := t.reg.m

	if !t.peer.Connected() {
		t.finish(ErrPeerDisconnected)
		return true
	}

	if t.peer.QueueDepth() > m.cfg.MaxSendQueue {
		if t.waiting.IsZero() {
			t.waiting = now
		}
		if now.Sub(t.waiting) < m.cfg.QueueTimeout {
			return false
		}
		t.reg.logger.Warn("peer send queue stuck, disconnecting",
			"peer", t.peer.Name(),
			"queue", t.peer.QueueDepth())
		m.observer.BackpressureTimeout(t.reg.Name())
		m.net.Disconnect(t.peer, protocol.StatusErrorConnectFailed, "send queue timeout")
		t.finish(ErrBackpressureTimeout)
		return true
	}
	t.waiting = time.Time{}

	if err := t.peer.Send(t.reg.channel, t.chunks[t.next]); err != nil {
		t.finish(err)
		return true
	}
	if len(t.chunks) > 1 {
		m.observer.FragmentSent(t.reg.Name())
	}
	t.next++
	if t.next == len(t.chunks) {
		t.finish(nil)
		return true
	}
	return false
}

func (t *SendTask) finish(err error) {
	t.done = true
	t.err = err
	if err != nil && !errors.Is(err, ErrBackpressureTimeout) {
		t.reg.logger.Debug("send aborted", "peer", t.peer.Name(), "error", err)
	}
	if t.onDone != nil {
		t.onDone(err)
	}
}

// Scheduler polls send tasks from the host loop.
type Scheduler struct {
	now   func() time.Time
	tasks []*SendTask
}

func newScheduler(now func() time.Time) *Scheduler {
	return &Scheduler{now: now}
}

// Start runs the first step of t at once and keeps it if it suspended.
func (s *Scheduler) Start(t *SendTask) {
	if !t.step(s.now()) {
		s.tasks = append(s.tasks, t)
	}
}

// Poll resumes every suspended task once. Tasks started by completion
// callbacks during the poll are kept for the next one.
func (s *Scheduler) Poll() {
	if len(s.tasks) == 0 {
		return
	}
	now := s.now()
	tasks := s.tasks
	s.tasks = nil
	for _, t := range tasks {
		if !t.step(now) {
			s.tasks = append(s.tasks, t)
		}
	}
}

// Pending returns the number of suspended tasks.
func (s *Scheduler) Pending() int {
	return len(s.tasks)
}
