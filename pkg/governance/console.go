// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ConsoleConfirmer asks the user on a terminal whether a held command may run.
type ConsoleConfirmer struct {
	in      *bufio.Reader
	out     io.Writer
	prompt  string
	timeout time.Duration
}

// ConsoleOption configures the console confirmer.
type ConsoleOption func(*ConsoleConfirmer)

// NewConsoleConfirmer creates a confirmer on stdin/stdout.
func NewConsoleConfirmer(opts ...ConsoleOption) *ConsoleConfirmer {
	c := &ConsoleConfirmer{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		prompt: "Proceed? [y/N]: ",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfirmInput sets the input reader.
func WithConfirmInput(r io.Reader) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if r != nil {
			c.in = bufio.NewReader(r)
		}
	}
}

// WithConfirmOutput sets the output writer.
func WithConfirmOutput(w io.Writer) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if w != nil {
			c.out = w
		}
	}
}

// WithConfirmPrompt sets the prompt string.
func WithConfirmPrompt(prompt string) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if strings.TrimSpace(prompt) != "" {
			c.prompt = prompt
		}
	}
}

// WithConfirmTimeout bounds the wait for an answer.
func WithConfirmTimeout(timeout time.Duration) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Confirm prints the held command and reads a yes/no answer. Anything other
// than an answer starting with "y" declines, as do cancellation and timeout.
func (c *ConsoleConfirmer) Confirm(ctx context.Context, h Held) bool {
	if c == nil || c.in == nil {
		return false
	}
	reason := strings.TrimSpace(h.Reason)
	if reason == "" {
		reason = "confirmation required"
	}
	_, _ = fmt.Fprintf(c.out, "\nConfirmation required for %s\n", h.Command)
	_, _ = fmt.Fprintf(c.out, "Reason: %s\n", reason)
	_, _ = fmt.Fprint(c.out, c.prompt)

	responseCh := make(chan string, 1)
	go func() {
		line, _ := c.in.ReadString('\n')
		responseCh <- line
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return false
	case line := <-responseCh:
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
	}
}
