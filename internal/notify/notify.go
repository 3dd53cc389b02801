// Package notify delivers operator alerts.
//
// Everything the hedger wants a human to see goes through Notifier: risk
// digests, imbalance warnings, one-leg failures. Delivery failures are the
// caller's to log and ignore — an unreachable sink must never stall
// trading.
package notify

import (
	"context"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Level grades an alert's urgency.
type Level string

const (
	Info     Level = "INFO"
	Warn     Level = "WARN"
	Critical Level = "CRITICAL"
)

// Notifier is an alert sink. Implementations must be safe for concurrent
// use; every engine and the supervisor share one.
type Notifier interface {
	Notify(ctx context.Context, level Level, title, body string) error
}

// RenderTable formats rows into an ASCII table for digest bodies.
func RenderTable(headers []string, rows [][]string) string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.Header(anySlice(headers)...)
	for _, row := range rows {
		table.Append(anySlice(row)...)
	}
	table.Render()
	return sb.String()
}

func anySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
