package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/schema"
)

const (
	defaultLocalTimeout  = 5 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// generateLocal runs a catalog entry's command template as a subprocess.
// Stdout is the generated text; local commands report no token usage.
func (r *Runner) generateLocal(ctx context.Context, entry *ModelEntry, req *engine.GenerateRequest) (*engine.GenerateResult, error) {
	argv, stdin, err := buildCommand(entry, req)
	if err != nil {
		return nil, err
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLocalTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	maxOut := r.cfg.MaxOutputSize
	if maxOut <= 0 {
		maxOut = defaultMaxOutputSize
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxOut}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxOut}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "model %q interrupted", entry.ID).WithCause(ctx.Err())
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q timed out after %s", entry.ID, timeout).WithCause(execCtx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q exited %d: %s",
				entry.ID, exitErr.ExitCode(), tail(stderr.String(), 512)).WithCause(runErr)
		}
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q: %v", entry.ID, runErr).WithCause(runErr)
	}

	return &engine.GenerateResult{
		Text:     strings.TrimRight(stdout.String(), "\n"),
		Model:    entry.ID,
		Duration: duration,
	}, nil
}

// buildCommand tokenizes the command template and substitutes placeholders
// per token, after splitting, so prompt whitespace never re-tokenizes the
// command line. A system prompt with no {{system}} slot is folded into the
// prompt as a leading block; when no token consumes {{prompt}} the prompt is
// fed on stdin.
func buildCommand(entry *ModelEntry, req *engine.GenerateRequest) (argv []string, stdin string, err error) {
	tokens, err := shlex.Split(entry.Command)
	if err != nil {
		return nil, "", schema.NewErrorf(schema.ErrCodeConfig, "model %q: parsing command", entry.ID).WithCause(err)
	}
	if len(tokens) == 0 {
		return nil, "", schema.NewErrorf(schema.ErrCodeConfig, "model %q: empty command", entry.ID)
	}

	prompt := req.Prompt
	if req.System != "" && !usesVar(entry.Command, "system") {
		prompt = req.System + "\n\n" + req.Prompt
	}

	interp := commandInterpolator(prompt, req.System, entry.UpstreamModel())
	argv = make([]string, len(tokens))
	for i, tok := range tokens {
		sub, err := interp.Substitute(tok)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeConfig, "model %q: command placeholder", entry.ID).WithCause(err)
		}
		argv[i] = sub
	}

	if !usesVar(entry.Command, "prompt") {
		stdin = prompt
	}
	return argv, stdin, nil
}

// commandInterpolator builds the substitution scope a command template may
// reference.
func commandInterpolator(prompt, system, model string) *expressions.Interpolator {
	return expressions.NewInterpolator(expressions.NewVarStore(map[string]any{
		"prompt": prompt,
		"system": system,
		"model":  model,
	}))
}

// usesVar reports whether any {{ref}} in s resolves the given name.
func usesVar(s, name string) bool {
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			return false
		}
		rest := s[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return false
		}
		if strings.TrimSpace(rest[:end]) == name {
			return true
		}
		s = rest[end+2:]
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed so the subprocess never
// blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
