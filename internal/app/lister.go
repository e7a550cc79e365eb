package app

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"apsbulk/internal/aps"
	"apsbulk/internal/bulk"
)

// ProjectSource streams the projects of an account
type ProjectSource interface {
	ListProjects(ctx context.Context, accountID string) (<-chan aps.Project, <-chan error)
}

// ProjectFilter selects the target projects of an admin operation
type ProjectFilter struct {
	NamePattern   string
	Status        string
	Platform      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Include       []string
	Exclude       []string
}

// ParseFilter parses a filter expression of comma separated key:value
// pairs, e.g. "name:*Hospital*,status:active,platform:acc". Keys are
// name (glob), status, platform and created (>YYYY-MM-DD or <YYYY-MM-DD).
func ParseFilter(expr string) (ProjectFilter, error) {
	var f ProjectFilter
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return f, filterError("invalid filter syntax %q, expected key:value", part)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			if _, err := path.Match(value, ""); err != nil {
				return f, filterError("invalid name pattern %q", value)
			}
			f.NamePattern = value
		case "status":
			switch v := strings.ToLower(value); v {
			case "active", "inactive", "archived":
				f.Status = v
			default:
				return f, filterError("invalid status %q, expected active, inactive or archived", value)
			}
		case "platform":
			switch v := strings.ToLower(value); v {
			case "acc", "bim360":
				f.Platform = v
			default:
				return f, filterError("invalid platform %q, expected acc or bim360", value)
			}
		case "created":
			var dst **time.Time
			switch {
			case strings.HasPrefix(value, ">"):
				dst = &f.CreatedAfter
			case strings.HasPrefix(value, "<"):
				dst = &f.CreatedBefore
			default:
				return f, filterError("invalid created filter %q, use >YYYY-MM-DD or <YYYY-MM-DD", value)
			}
			t, err := time.Parse(time.DateOnly, strings.TrimSpace(value[1:]))
			if err != nil {
				return f, filterError("invalid date %q, expected YYYY-MM-DD", value[1:])
			}
			*dst = &t
		default:
			return f, filterError("unknown filter key %q (valid: name, status, platform, created)", key)
		}
	}
	return f, nil
}

func filterError(format string, args ...any) error {
	return &bulk.ValidationError{Field: "filter", Msg: fmt.Sprintf(format, args...)}
}

// Match reports whether p passes every criterion. Projects without a
// status count as active; projects without a creation date pass the
// date criteria.
func (f ProjectFilter) Match(p aps.Project) bool {
	if f.NamePattern != "" {
		if ok, _ := path.Match(f.NamePattern, p.Name); !ok {
			return false
		}
	}
	if f.Status != "" {
		status := strings.ToLower(p.Status)
		if status == "" {
			status = "active"
		}
		if status != f.Status {
			return false
		}
	}
	switch f.Platform {
	case "acc":
		if !p.IsACC() {
			return false
		}
	case "bim360":
		if p.IsACC() {
			return false
		}
	}
	if p.CreatedAt != nil {
		if f.CreatedAfter != nil && p.CreatedAt.Before(*f.CreatedAfter) {
			return false
		}
		if f.CreatedBefore != nil && p.CreatedAt.After(*f.CreatedBefore) {
			return false
		}
	}

	id := aps.NormalizeProjectID(p.ID)
	if len(f.Include) > 0 && !containsID(f.Include, id) {
		return false
	}
	return !containsID(f.Exclude, id)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if aps.NormalizeProjectID(v) == id {
			return true
		}
	}
	return false
}

// ProjectLister collects the target projects of an admin operation
type ProjectLister struct {
	source ProjectSource
	logger *zap.Logger
}

// NewProjectLister creates a lister over source
func NewProjectLister(source ProjectSource, logger *zap.Logger) *ProjectLister {
	return &ProjectLister{source: source, logger: logger}
}

// List returns the account projects matching f in listing order.
// Duplicate ids are dropped.
func (l *ProjectLister) List(ctx context.Context, accountID string, f ProjectFilter) ([]aps.Project, error) {
	projCh, errCh := l.source.ListProjects(ctx, accountID)

	var (
		scanned  int
		projects []aps.Project
		seen     = make(map[string]bool)
	)

	for {
		select {
		case p, ok := <-projCh:
			if !ok {
				if errCh != nil {
					if err := <-errCh; err != nil {
						return nil, fmt.Errorf("error listing projects: %w", err)
					}
				}
				l.logger.Info("Finished listing projects",
					zap.Int("scanned", scanned),
					zap.Int("matched", len(projects)),
				)
				return projects, nil
			}

			scanned++
			id := aps.NormalizeProjectID(p.ID)
			if seen[id] || !f.Match(p) {
				continue
			}
			seen[id] = true
			projects = append(projects, p)
			l.logger.Debug("Selected project", zap.String("project_id", id), zap.String("name", p.Name))

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("error listing projects: %w", err)
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
