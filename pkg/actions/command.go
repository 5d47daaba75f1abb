package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidPayload is returned when collaborator output fails validation.
var ErrInvalidPayload = errors.New("invalid collaborator payload")

const maxStderrInError = 512

// CommandConfig describes an external program implementing an action kind.
type CommandConfig struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// WaitDelay bounds how long the runner waits for output pipes after the
	// process is killed on cancellation.
	WaitDelay time.Duration
}

// CommandRunner runs an external program per action. The action is written to
// stdin as JSON and a Payload is read from stdout.
type CommandRunner struct {
	cfg    CommandConfig
	schema *gojsonschema.Schema
	logger zerolog.Logger
}

// NewCommandRunner creates a runner for the given command.
func NewCommandRunner(cfg CommandConfig, logger zerolog.Logger) (*CommandRunner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("command is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(PayloadSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}

	return &CommandRunner{
		cfg:    cfg,
		schema: schema,
		logger: logger.With().Str("component", "command-runner").Str("runner", cfg.Name).Logger(),
	}, nil
}

// Name returns the runner's display name.
func (c *CommandRunner) Name() string {
	return c.cfg.Name
}

// Run executes the command. Cancellation of ctx kills the process.
func (c *CommandRunner) Run(ctx context.Context, action Action) (Payload, error) {
	input, err := json.Marshal(action)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode action: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.WaitDelay = c.cfg.WaitDelay
	if c.cfg.Dir != "" {
		cmd.Dir = c.cfg.Dir
	}
	cmd.Env = c.buildEnvironment(action)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.logger.Debug().
			Str("action_id", action.ID).
			Dur("duration", duration).
			Msg("Command cancelled")
		return Payload{}, ctxErr
	}
	if err != nil {
		return Payload{}, fmt.Errorf("command %s failed: %w%s", c.cfg.Name, err, stderrSuffix(stderr.String()))
	}

	payload, err := c.decode(stdout.Bytes())
	if err != nil {
		return Payload{}, err
	}

	c.logger.Debug().
		Str("action_id", action.ID).
		Dur("duration", duration).
		Int("discovered", len(payload.Discovered)).
		Msg("Command completed")

	return payload, nil
}

func (c *CommandRunner) decode(out []byte) (Payload, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Payload{}, nil
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(out))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Payload{}, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(msgs, "; "))
	}

	var payload Payload
	if err := json.Unmarshal(out, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

func (c *CommandRunner) buildEnvironment(action Action) []string {
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"AUTOLAB_ACTION_ID="+action.ID,
		"AUTOLAB_ACTION_KIND="+action.Kind.String(),
		"AUTOLAB_ENTITY_KEY="+action.EntityKey,
	)
	if action.Timeout > 0 {
		env = append(env, "AUTOLAB_TIMEOUT="+action.Timeout.String())
	}
	return env
}

func stderrSuffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > maxStderrInError {
		start := len(stderr) - maxStderrInError
		for start < len(stderr) && !utf8.RuneStart(stderr[start]) {
			start++
		}
		stderr = stderr[start:]
	}
	return ": " + stderr
}
