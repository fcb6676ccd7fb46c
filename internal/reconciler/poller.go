package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

// ErrTaskTimeout is returned when a task is still running once the poll timeout elapsed
var ErrTaskTimeout = errors.New("task did not reach a terminal status in time")

// TaskReader reads the current status of a platform task
type TaskReader interface {
	TaskStatus(ctx context.Context, task vcd.Task) (vcd.TaskStatus, error)
}

// TaskPoller waits for platform tasks to complete.
// It only reports liveness, callers decide what a non success status means.
type TaskPoller struct {
	interval time.Duration
	clock    clock.PassiveClock
	recorder Recorder
}

// NewTaskPoller returns a poller querying the task status every interval
func NewTaskPoller(interval time.Duration, clk clock.PassiveClock, recorder Recorder) *TaskPoller {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &TaskPoller{interval: interval, clock: clk, recorder: recorder}
}

// Wait blocks until task is terminal. A zero timeout waits until ctx is done.
func (p *TaskPoller) Wait(ctx context.Context, cli TaskReader, task vcd.Task, timeout time.Duration) (vcd.TaskStatus, error) {
	start := p.clock.Now()
	var last vcd.TaskStatus
	condition := func(ctx context.Context) (bool, error) {
		status, err := cli.TaskStatus(ctx, task)
		if err != nil {
			return false, err
		}
		last = status
		return status.IsTerminal(), nil
	}

	var err error
	if timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, p.interval, timeout, true, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, p.interval, true, condition)
	}
	p.recorder.ObserveTask(ctx, task.Operation, string(last), p.clock.Since(start))

	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			return last, fmt.Errorf("%w: %s still %q after %s", ErrTaskTimeout, task.Operation, last, timeout)
		}
		return last, err
	}
	return last, nil
}
