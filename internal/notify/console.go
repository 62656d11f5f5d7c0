package notify

import (
	"context"
	"io"
	"sync"

	"github.com/fatih/color"
)

// ConsoleChannel prints alerts to the terminal for foreground runs.
type ConsoleChannel struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleChannel(out io.Writer) *ConsoleChannel {
	return &ConsoleChannel{out: out}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, msg Message) error {
	header := color.New(color.Bold, color.FgCyan)
	switch msg.Kind {
	case KindError:
		header = color.New(color.Bold, color.FgRed)
	case KindAdjustment:
		header = color.New(color.Bold, color.FgYellow)
	case KindSummary:
		header = color.New(color.Bold, color.FgGreen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	header.Fprintf(c.out, "[%s] %s\n", msg.At.Format("15:04:05"), msg.Title)
	if msg.Body != "" {
		if _, err := io.WriteString(c.out, msg.Body+"\n"); err != nil {
			return err
		}
	}
	return nil
}
