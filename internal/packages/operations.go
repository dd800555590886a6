// Package packages applies plugin and theme operations to WordPress sites,
// keeps the uploaded archive registry and aggregates the fleet inventory.
package packages

import (
	"fmt"
	"strings"

	"github.com/luccadibe/wpfleet/internal/models"
)

// Operation is a package action on one site.
type Operation string

const (
	OpInstall    Operation = "install"
	OpUpdate     Operation = "update"
	OpActivate   Operation = "activate"
	OpDeactivate Operation = "deactivate"
	OpDelete     Operation = "delete"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpInstall, OpUpdate, OpActivate, OpDeactivate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown package operation %q", s)
}

// Queued reports whether op goes through the job queue rather than the direct action path.
func (op Operation) Queued() bool {
	return op == OpInstall || op == OpUpdate
}

// Status is the outcome class of one operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one operation. Failed and skipped outcomes are
// results, not errors.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

func succeeded(format string, args ...any) Result {
	return Result{Status: StatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func skipped(format string, args ...any) Result {
	return Result{Status: StatusSkipped, Message: fmt.Sprintf(format, args...)}
}

// Failed builds a failed result.
func Failed(format string, args ...any) Result {
	return Result{Status: StatusFailed, Message: fmt.Sprintf(format, args...)}
}

// Request names one operation on one site. Source optionally overrides the
// provenance recorded for the package.
type Request struct {
	InstallationID string        `json:"installationId"`
	Kind           models.Kind   `json:"kind"`
	Slug           string        `json:"slug"`
	Operation      Operation     `json:"operation"`
	Source         models.Source `json:"source,omitempty"`
}

// Validate checks that every field is present and known.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.InstallationID) == "" {
		problems = append(problems, "installationId is required")
	}
	if strings.TrimSpace(r.Slug) == "" {
		problems = append(problems, "slug is required")
	}
	if r.Kind != models.KindPlugin && r.Kind != models.KindTheme {
		problems = append(problems, fmt.Sprintf("kind must be plugin or theme, got %q", r.Kind))
	}
	if _, err := ParseOperation(string(r.Operation)); err != nil {
		problems = append(problems, err.Error())
	}
	if r.Source != "" {
		if _, err := models.ParseSource(string(r.Source)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid package request: %s", strings.Join(problems, "; "))
	}
	return nil
}

// normalizeSource maps a recorded source to the provenance used for installs.
func normalizeSource(s models.Source) models.Source {
	if s == models.SourceExternal {
		return models.SourceExternal
	}
	return models.SourceRegistry
}

// label is "Plugin" or "Theme".
func label(kind models.Kind) string {
	if kind == models.KindTheme {
		return "Theme"
	}
	return "Plugin"
}
