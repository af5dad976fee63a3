package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/rendis/loom/pkg/schema"
)

var (
	stepStyle  = color.New(color.FgCyan)
	okStyle    = color.New(color.FgGreen)
	failStyle  = color.New(color.FgRed)
	warnStyle  = color.New(color.FgYellow)
	mutedStyle = color.New(color.FgWhite, color.Faint)
)

// progressObserver prints run events as they happen. It writes to stdout
// while logs go to stderr, so piping run output stays clean.
type progressObserver struct {
	out io.Writer
}

func newProgressObserver(out io.Writer) *progressObserver {
	return &progressObserver{out: out}
}

func (p *progressObserver) OnEvent(_ context.Context, event *schema.RunEvent) {
	switch event.Type {
	case schema.EventRunStarted:
		fmt.Fprintf(p.out, "%s run %s (%v steps)\n", mutedStyle.Sprint("▸"), event.RunID, event.Payload["steps"])
	case schema.EventRunResumed:
		fmt.Fprintf(p.out, "%s resuming run %s\n", mutedStyle.Sprint("▸"), event.RunID)
	case schema.EventStepStarted:
		fmt.Fprintf(p.out, "%s %s\n", stepStyle.Sprint("→"), event.StepID)
	case schema.EventStepCompleted:
		fmt.Fprintf(p.out, "%s %s%s\n", okStyle.Sprint("✓"), event.StepID, durationSuffix(event))
	case schema.EventStepFailed:
		fmt.Fprintf(p.out, "%s %s: %v\n", failStyle.Sprint("✗"), event.StepID, event.Payload["error"])
	case schema.EventStepSkipped:
		fmt.Fprintf(p.out, "%s %s skipped\n", warnStyle.Sprint("‣"), event.StepID)
	case schema.EventStepRetrying:
		fmt.Fprintf(p.out, "%s %s retry %v/%v in %v\n", warnStyle.Sprint("↻"),
			event.StepID, event.Payload["attempt"], event.Payload["max"], event.Payload["delay"])
	case schema.EventBatchItemCompleted:
		fmt.Fprintf(p.out, "%s %s%s\n", okStyle.Sprint("✓"), event.StepID, durationSuffix(event))
	case schema.EventBatchItemFailed:
		fmt.Fprintf(p.out, "%s %s: %v\n", failStyle.Sprint("✗"), event.StepID, event.Payload["error"])
	case schema.EventBatchItemSkipped:
		fmt.Fprintf(p.out, "%s %s skipped\n", warnStyle.Sprint("‣"), event.StepID)
	case schema.EventBatchStopThreshold:
		fmt.Fprintf(p.out, "%s stopping: %v failures reached the threshold\n",
			failStyle.Sprint("✗"), event.Payload["failures"])
	case schema.EventRunCompleted:
		fmt.Fprintf(p.out, "%s run %s completed\n", okStyle.Sprint("✓"), event.RunID)
	case schema.EventRunFailed:
		fmt.Fprintf(p.out, "%s run %s failed: %v\n", failStyle.Sprint("✗"), event.RunID, event.Payload["error"])
	case schema.EventRunCancelled:
		fmt.Fprintf(p.out, "%s run %s cancelled\n", warnStyle.Sprint("■"), event.RunID)
	}
}

func durationSuffix(event *schema.RunEvent) string {
	ms, ok := event.Payload["duration_ms"]
	if !ok {
		return ""
	}
	return mutedStyle.Sprintf(" (%vms)", ms)
}
