// Package definitions loads recurring job definitions from a YAML file and
// seeds them into the store.
package definitions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/scheduler"
)

// file is the on-disk layout:
//
//	jobs:
//	  - action: sendKPI
//	    jobName: Send KPI
//	    schedule: "0 7 * * 1-5"
//	    enabled: true
type file struct {
	Jobs []entry `yaml:"jobs"`
}

type entry struct {
	Action   string `yaml:"action"`
	JobName  string `yaml:"jobName"`
	Schedule string `yaml:"schedule"`
	Enabled  *bool  `yaml:"enabled"`
}

// Parse decodes a definitions document. Unknown keys, duplicate actions and
// invalid schedule expressions are rejected. enabled defaults to true.
func Parse(data []byte) ([]models.RecurringJobDefinition, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}

	seen := make(map[string]bool, len(f.Jobs))
	out := make([]models.RecurringJobDefinition, 0, len(f.Jobs))
	for i, e := range f.Jobs {
		action := strings.TrimSpace(e.Action)
		if action == "" {
			return nil, fmt.Errorf("jobs[%d]: action is required", i)
		}
		if seen[action] {
			return nil, fmt.Errorf("jobs[%d]: duplicate action %q", i, action)
		}
		seen[action] = true
		if err := scheduler.Validate(e.Schedule); err != nil {
			return nil, fmt.Errorf("jobs[%d] %s: %w", i, action, err)
		}
		name := strings.TrimSpace(e.JobName)
		if name == "" {
			name = action
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, models.RecurringJobDefinition{
			Action:             action,
			JobName:            name,
			ScheduleExpression: strings.TrimSpace(e.Schedule),
			Enabled:            enabled,
			State:              models.JobIdle,
		})
	}
	return out, nil
}

func Load(path string) ([]models.RecurringJobDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return Parse(b)
}

type Seeder interface {
	InsertDefinition(ctx context.Context, def models.RecurringJobDefinition) (bool, error)
	SyncDefinition(ctx context.Context, def models.RecurringJobDefinition) (bool, error)
}

// Seed creates the definitions that are missing and leaves existing rows
// alone, so operator changes survive a restart. Returns how many rows were
// created.
func Seed(ctx context.Context, st Seeder, defs []models.RecurringJobDefinition, log logx.Logger) (int, error) {
	return write(ctx, st.InsertDefinition, defs, log)
}

// Sync makes the store follow a definitions file: missing rows are created,
// existing rows take the file's jobName and enabled flag but keep their
// schedule and pending args.
func Sync(ctx context.Context, st Seeder, defs []models.RecurringJobDefinition, log logx.Logger) (int, error) {
	return write(ctx, st.SyncDefinition, defs, log)
}

func write(ctx context.Context, put func(context.Context, models.RecurringJobDefinition) (bool, error), defs []models.RecurringJobDefinition, log logx.Logger) (int, error) {
	created := 0
	for _, def := range defs {
		ok, err := put(ctx, def)
		if err != nil {
			return created, err
		}
		if ok {
			created++
			log.Info("definition created", logx.String("action", def.Action), logx.String("schedule", def.ScheduleExpression))
		}
	}
	return created, nil
}
