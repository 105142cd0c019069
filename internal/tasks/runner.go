package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/registry"
)

// ErrRunnerNotConfigured is returned by every task when TASK_RUNNER_URL is empty.
var ErrRunnerNotConfigured = errors.New("task runner url not configured")

// StatusLog receives progress lines for an action's lastLog.
type StatusLog interface {
	Log(ctx context.Context, action, line string)
}

// Runner forwards task invocations to the remote runner. It makes exactly one
// attempt; retrying is the queue's job.
type Runner struct {
	baseURL string
	client  *http.Client
	status  StatusLog
	log     logx.Logger
}

func NewRunner(cfg config.Config, status StatusLog, log logx.Logger) *Runner {
	return &Runner{
		baseURL: strings.TrimRight(cfg.TaskRunnerURL, "/"),
		client:  &http.Client{Timeout: cfg.TaskRunnerTimeout},
		status:  status,
		log:     log.Component("tasks"),
	}
}

type runRequest struct {
	Action string      `json:"action"`
	Args   models.Args `json:"args"`
}

type runResponse struct {
	Result any    `json:"result"`
	Log    string `json:"log"`
}

// Task returns the registry handler for action.
func (r *Runner) Task(action string) registry.TaskFunc {
	return func(ctx context.Context, args models.Args) (any, error) {
		return r.run(ctx, action, args)
	}
}

// Register adds a handler for every built-in action.
func (r *Runner) Register(reg *registry.Registry) error {
	for _, action := range Actions() {
		if err := reg.Register(action, r.Task(action)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) run(ctx context.Context, action string, args models.Args) (any, error) {
	if r.baseURL == "" {
		return nil, registry.Permanent(ErrRunnerNotConfigured)
	}
	body, err := json.Marshal(runRequest{Action: action, Args: args})
	if err != nil {
		return nil, registry.Permanent(fmt.Errorf("encode args: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/tasks/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, registry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	r.status.Log(ctx, action, "dispatched to task runner")
	resp, err := r.client.Do(req)
	if err != nil {
		r.status.Log(context.WithoutCancel(ctx), action, "task runner unreachable: "+err.Error())
		return nil, fmt.Errorf("call task runner: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	log := r.log.With(logx.String("action", action), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		cause := fmt.Errorf("task runner returned %d: %s", resp.StatusCode, msg)
		r.status.Log(ctx, action, cause.Error())
		log.Warn("task runner call failed")
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return nil, registry.Permanent(cause)
		}
		return nil, cause
	}

	var out runResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode task runner response: %w", err)
		}
	}
	line := out.Log
	if line == "" {
		line = "completed"
	}
	r.status.Log(ctx, action, line)
	log.Debug("task runner call succeeded")
	return out.Result, nil
}
