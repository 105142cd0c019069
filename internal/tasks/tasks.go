// Package tasks holds the fixed set of orchestrated actions and the client
// that forwards them to the task runner service.
package tasks

import (
	"ops-orchestrator/internal/models"
)

const (
	ExtractTrayAmount = "extractTrayAmount"
	ExtractWMS        = "extractWMS"
	ExtractSAV        = "extractSAV"
	SendKPI           = "sendKPI"
	ExportDatabase    = "exportDatabase"
	SendReport        = "sendReport"
)

type builtin struct {
	action   string
	name     string
	schedule string
}

// Schedules are evaluated in SCHEDULER_TIMEZONE.
var builtins = []builtin{
	{ExtractTrayAmount, "Extract tray amount", "0 6 * * *"},
	{ExtractWMS, "Extract WMS counters", "*/30 6-22 * * *"},
	{ExtractSAV, "Extract SAV tickets", "15 * * * *"},
	{SendKPI, "Send KPI mail", "0 7 * * 1-5"},
	{ExportDatabase, "Export database", "30 2 * * *"},
	{SendReport, "Send weekly report", "0 8 * * 1"},
}

// Actions lists every action name in registration order.
func Actions() []string {
	out := make([]string, len(builtins))
	for i, b := range builtins {
		out[i] = b.action
	}
	return out
}

// Defaults returns the built-in definitions used when no definitions file is
// configured.
func Defaults() []models.RecurringJobDefinition {
	out := make([]models.RecurringJobDefinition, len(builtins))
	for i, b := range builtins {
		out[i] = models.RecurringJobDefinition{
			Action:             b.action,
			JobName:            b.name,
			ScheduleExpression: b.schedule,
			Enabled:            true,
			State:              models.JobIdle,
		}
	}
	return out
}
