package dispatch

import (
	"context"
	"fmt"

	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

// Launcher starts an agent for a dispatched session.
type Launcher interface {
	Launch(ctx context.Context, d event.Dispatch) error
}

// Stopper is implemented by launchers that own the agents they start.
type Stopper interface {
	Stop(ctx context.Context, e event.AgentShutdown) error
}

var _ Launcher = (*QueueLauncher)(nil)

// QueueLauncher hands a dispatch to an external VM provider through its queue.
type QueueLauncher struct {
	publisher event.Publisher // required
}

func NewQueueLauncher(publisher event.Publisher) *QueueLauncher {
	return &QueueLauncher{publisher: publisher}
}

func (l *QueueLauncher) Launch(ctx context.Context, d event.Dispatch) error {
	if err := l.publisher.Publish(ctx, d); err != nil {
		return failure.System(failure.CodeLaunchFailed, fmt.Sprintf("unable to hand dispatch to %s", d.Queue()), err)
	}
	return nil
}
