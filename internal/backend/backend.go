// Package backend runs task prompts on behalf of agents.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Backend executes one task and returns its textual result. Implementations
// must honor ctx cancellation; the agent pool applies the task timeout there.
type Backend interface {
	Execute(ctx context.Context, task *schema.Task) (string, error)
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, task *schema.Task) (string, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task *schema.Task) (string, error) {
	return f(ctx, task)
}

// Echo returns the task prompt unchanged after an optional delay. Used for
// local runs and tests.
type Echo struct {
	Delay time.Duration
}

// Execute implements Backend.
func (e Echo) Execute(ctx context.Context, task *schema.Task) (string, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return task.Prompt, nil
}

// Backend names accepted by New.
const (
	NameEcho      = "echo"
	NameAnthropic = "anthropic"
)

// Config selects and configures a backend.
type Config struct {
	Name      string
	Anthropic AnthropicConfig
}

// New builds the backend named in cfg. An empty name selects Echo.
func New(cfg Config) (Backend, error) {
	switch cfg.Name {
	case "", NameEcho:
		return Echo{}, nil
	case NameAnthropic:
		return NewAnthropic(cfg.Anthropic)
	default:
		return nil, fmt.Errorf("unknown backend %q (want %s or %s)", cfg.Name, NameEcho, NameAnthropic)
	}
}

var (
	_ Backend = Func(nil)
	_ Backend = Echo{}
)
