package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/memq/internal/orchestrator"
	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/schema"
	"github.com/basket/memq/internal/shared"
)

const (
	maxOutputBytes = 4 << 20
	maxStderrBytes = 2 << 10
	waitDelay      = 2 * time.Second
)

// CommandExtractor runs an external program once per queue item. The program
// reads a Request as JSON on stdin and prints an extraction document on
// stdout; prose around the JSON is tolerated.
type CommandExtractor struct {
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env    []string
	Dir    string
	Logger *slog.Logger
}

func (c *CommandExtractor) Extract(ctx context.Context, sc orchestrator.SessionContext, item persistence.QueueItem) (*orchestrator.Extraction, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, errors.New("extractor command is not configured")
	}
	input, err := json.Marshal(newRequest(sc, item))
	if err != nil {
		return nil, fmt.Errorf("encode extractor request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, "MEMQ_TRACE_ID="+shared.TraceID(ctx))
	cmd.Stdin = bytes.NewReader(input)
	// Children that ignore the kill still release our pipes.
	cmd.WaitDelay = waitDelay
	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	logger := c.logger()
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("extractor %s: %w", c.Command, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("extractor %s: %w: %s", c.Command, runErr, shared.Redact(msg))
		}
		return nil, fmt.Errorf("extractor %s: %w", c.Command, runErr)
	}
	if stdout.truncated {
		return nil, fmt.Errorf("extractor %s: output exceeds %d bytes", c.Command, maxOutputBytes)
	}
	logger.Debug("extractor finished",
		"command", c.Command,
		"kind", item.Kind,
		"duration", time.Since(start),
		"stdout_bytes", stdout.Len(),
	)

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return &orchestrator.Extraction{}, nil
	}
	doc := schema.ExtractJSON(out)
	if doc == "" {
		return nil, fmt.Errorf("extractor %s: no JSON document in output", c.Command)
	}
	return ParseExtraction([]byte(doc))
}

func (c *CommandExtractor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Buffer.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.Buffer.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
