// Package engine orders encoded work onto a single device queue and reports
// each command buffer's completion exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrAlreadyCommitted  = errors.New("engine: command buffer already committed")
	ErrHandlerRegistered = errors.New("engine: completion handler already registered")
	ErrQueueFull         = errors.New("engine: queue is full")
	ErrQueueClosed       = errors.New("engine: queue is closed")
	ErrDeviceLost        = errors.New("engine: device lost")
	ErrSubmissionFailed  = errors.New("engine: submission failed")
)

// Status is the lifecycle position of a CommandBuffer.
type Status int

const (
	StatusEncoding Status = iota
	StatusCommitted
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusEncoding:
		return "encoding"
	case StatusCommitted:
		return "committed"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Command is one encoded stage.
type Command struct {
	Label string
	Run   func(ctx context.Context) error
}

// Completion reports the outcome of a CommandBuffer.
type Completion struct {
	ID     string
	Label  string
	Err    error
	Status Status
	Start  time.Time
	End    time.Time
}

// Elapsed is the time between the first command starting and the last finishing.
func (c Completion) Elapsed() time.Duration { return c.End.Sub(c.Start) }

// CommandBuffer collects commands that run back to back on a Queue.
type CommandBuffer struct {
	id    string
	label string

	mu       deadlock.Mutex
	status   Status
	commands []Command
	cleanups []func()
	handler  func(Completion)
	done     chan struct{}
	result   Completion
}

func NewCommandBuffer(label string) *CommandBuffer {
	return &CommandBuffer{
		id:    uuid.New().String(),
		label: label,
		done:  make(chan struct{}),
	}
}

func (cb *CommandBuffer) ID() string    { return cb.id }
func (cb *CommandBuffer) Label() string { return cb.label }

func (cb *CommandBuffer) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}

// Len returns the number of encoded commands.
func (cb *CommandBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.commands)
}

// Encode appends a command. It fails once the buffer is committed.
func (cb *CommandBuffer) Encode(label string, run func(ctx context.Context) error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusEncoding {
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, cb.label)
	}
	cb.commands = append(cb.commands, Command{Label: label, Run: run})
	return nil
}

// AddCleanup registers fn to run after the last command, before the
// completion handler. Cleanups run even when a command fails.
func (cb *CommandBuffer) AddCleanup(fn func()) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusEncoding {
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, cb.label)
	}
	cb.cleanups = append(cb.cleanups, fn)
	return nil
}

// AddCompletedHandler registers the single handler called when the buffer
// finishes, successfully or not.
func (cb *CommandBuffer) AddCompletedHandler(fn func(Completion)) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.handler != nil {
		return ErrHandlerRegistered
	}
	if cb.status >= StatusCompleted {
		return fmt.Errorf("%w: %s already finished", ErrAlreadyCommitted, cb.label)
	}
	cb.handler = fn
	return nil
}

// Discard abandons a buffer that was never committed. Its cleanups run;
// its completion handler does not.
func (cb *CommandBuffer) Discard() {
	cb.mu.Lock()
	if cb.status != StatusEncoding {
		cb.mu.Unlock()
		return
	}
	cb.status = StatusFailed
	cleanups := cb.cleanups
	cb.cleanups = nil
	cb.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	close(cb.done)
}

// Done is closed after the completion handler has returned.
func (cb *CommandBuffer) Done() <-chan struct{} { return cb.done }

// Wait blocks until the buffer completes or ctx ends.
func (cb *CommandBuffer) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-cb.done:
		return cb.result, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

func (cb *CommandBuffer) commit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusEncoding {
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, cb.label)
	}
	cb.status = StatusCommitted
	return nil
}

func (cb *CommandBuffer) run(ctx context.Context) {
	cb.mu.Lock()
	cb.status = StatusRunning
	commands := cb.commands
	cb.mu.Unlock()

	c := Completion{Start: time.Now()}
	for _, cmd := range commands {
		if err := runCommand(ctx, cmd); err != nil {
			c.Err = err
			break
		}
	}
	c.End = time.Now()
	cb.finish(c)
}

func runCommand(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrSubmissionFailed, cmd.Label, r)
		}
	}()
	if err := cmd.Run(ctx); err != nil {
		if errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrSubmissionFailed) {
			return fmt.Errorf("%s: %w", cmd.Label, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrSubmissionFailed, cmd.Label, err)
	}
	return nil
}

func (cb *CommandBuffer) finish(c Completion) {
	cb.mu.Lock()
	c.ID, c.Label = cb.id, cb.label
	c.Status = StatusCompleted
	if c.Err != nil {
		c.Status = StatusFailed
	}
	cb.status = c.Status
	cb.result = c
	cleanups := cb.cleanups
	cb.cleanups = nil
	handler := cb.handler
	cb.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	if handler != nil {
		handler(c)
	}
	if c.Err != nil {
		slogger().Warn("command buffer failed", "label", c.Label, "id", c.ID, "err", c.Err)
	} else {
		slogger().Debug("command buffer completed", "label", c.Label, "id", c.ID, "elapsed", c.Elapsed())
	}
	close(cb.done)
}
