// Package buildlog prints lines to the log a build's agents and users read.
package buildlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/k11v/pipetrack/internal/event"
)

type Level string

const (
	LevelInfo   Level = "info"
	LevelYellow Level = "yellow"
	LevelRed    Level = "red"
)

// Printer publishes build log lines. Printing is best-effort.
type Printer struct {
	publisher event.Publisher // required
	now       func() time.Time
}

func NewPrinter(publisher event.Publisher) *Printer {
	return &Printer{publisher: publisher, now: time.Now}
}

type Line struct {
	BuildID      string
	Tag          string // usually the task id
	JobID        string // optional, usually the container hash id
	ExecuteCount int
	Message      string
}

func (p *Printer) Info(ctx context.Context, line *Line) {
	p.print(ctx, LevelInfo, line)
}

func (p *Printer) Yellow(ctx context.Context, line *Line) {
	p.print(ctx, LevelYellow, line)
}

func (p *Printer) Red(ctx context.Context, line *Line) {
	p.print(ctx, LevelRed, line)
}

func (p *Printer) print(ctx context.Context, level Level, line *Line) {
	executeCount := line.ExecuteCount
	if executeCount < 1 {
		executeCount = 1
	}

	err := p.publisher.Publish(ctx, event.LogLine{
		BuildID:      line.BuildID,
		Tag:          line.Tag,
		JobID:        line.JobID,
		ExecuteCount: executeCount,
		Message:      line.Message,
		Level:        string(level),
		Timestamp:    p.now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("didn't print build log line", "build_id", line.BuildID, "tag", line.Tag, "error", err)
	}
}
