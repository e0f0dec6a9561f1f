package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"tengine/internal/logging"
)

var commandContext = exec.CommandContext

const stderrTail = 2048

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithArgs sets the argument template. Supported placeholders: ${source},
// ${target}, ${sourceMimetype}, ${targetMimetype} and ${option:<key>}.
func WithArgs(args ...string) CommandOption {
	return func(c *Command) {
		if len(args) > 0 {
			c.args = append([]string(nil), args...)
		}
	}
}

// WithPassOptions appends the named request options as --key=value.
func WithPassOptions(keys ...string) CommandOption {
	return func(c *Command) { c.passOptions = append(c.passOptions, keys...) }
}

// WithUnsupportedExitCodes marks exit codes that mean the input is bad.
func WithUnsupportedExitCodes(codes ...int) CommandOption {
	return func(c *Command) {
		for _, code := range codes {
			c.unsupported[code] = true
		}
	}
}

func WithCommandLogger(l *slog.Logger) CommandOption {
	return func(c *Command) { c.logger = l }
}

// Command runs an external executable once per transform.
type Command struct {
	binary      string
	args        []string
	passOptions []string
	unsupported map[int]bool
	logger      *slog.Logger
}

// NewCommand builds a Command for binary. Without WithArgs the executable is
// invoked as `binary <source> <target>`.
func NewCommand(binary string, opts ...CommandOption) (*Command, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("command executor: binary required")
	}
	c := &Command{
		binary:      binary,
		args:        []string{"${source}", "${target}"},
		unsupported: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	sort.Strings(c.passOptions)
	c.logger = logging.OrDefault(c.logger)
	return c, nil
}

func (c *Command) Transform(ctx context.Context, sourceType, targetType string, options map[string]string, sourcePath, targetPath string) error {
	args := c.buildArgs(sourceType, targetType, options, sourcePath, targetPath)

	var stderr tailBuffer
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	c.logger.Debug("running transform command", slog.String("binary", c.binary), slog.Any("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", c.binary, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			detail := strings.TrimSpace(stderr.String())
			if c.unsupported[code] {
				if detail == "" {
					detail = fmt.Sprintf("%s rejected the input (exit code %d)", c.binary, code)
				}
				return &UnsupportedInputError{Reason: detail, Err: err}
			}
			if detail != "" {
				return fmt.Errorf("%s exited with code %d: %s", c.binary, code, detail)
			}
			return fmt.Errorf("%s exited with code %d", c.binary, code)
		}
		return fmt.Errorf("run %s: %w", c.binary, err)
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		return fmt.Errorf("%s produced no target file: %w", c.binary, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s produced an empty target file", c.binary)
	}
	return nil
}

func (c *Command) buildArgs(sourceType, targetType string, options map[string]string, sourcePath, targetPath string) []string {
	lookup := func(key string) string {
		switch key {
		case "source":
			return sourcePath
		case "target":
			return targetPath
		case "sourceMimetype":
			return sourceType
		case "targetMimetype":
			return targetType
		}
		if opt, ok := strings.CutPrefix(key, "option:"); ok {
			return options[opt]
		}
		return ""
	}
	args := make([]string, 0, len(c.args)+len(c.passOptions))
	for _, a := range c.args {
		args = append(args, os.Expand(a, lookup))
	}
	for _, key := range c.passOptions {
		if v, ok := options[key]; ok && v != "" {
			args = append(args, "--"+key+"="+v)
		}
	}
	return args
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTail; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
