package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Console prints alerts to a writer, one timestamped block per alert.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

func (c *Console) Notify(_ context.Context, level Level, title, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Format("15:04:05")
	mark := ""
	if level == Critical {
		mark = "!! "
	}
	fmt.Fprintf(c.out, "[%s] %s%s %s\n", now, mark, level, title)

	body = strings.TrimRight(body, "\n")
	if body == "" {
		return nil
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Fprintf(c.out, "  %s\n", line)
	}
	return nil
}
