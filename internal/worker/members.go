package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"apsbulk/internal/aps"
	"apsbulk/internal/bulk"
)

// Operation kinds for project membership changes
const (
	KindAddUser      = "add-user"
	KindRemoveUser   = "remove-user"
	KindUpdateRole   = "update-role"
	KindFolderRights = "folder-rights"
)

// ProjectUsers is the membership API used by the admin processors
type ProjectUsers interface {
	GetProjectUser(ctx context.Context, projectID, userID string) (aps.ProjectUser, error)
	AddProjectUser(ctx context.Context, projectID string, req aps.AddProjectUserRequest) (aps.ProjectUser, error)
	UpdateProjectUser(ctx context.Context, projectID, userID string, req aps.UpdateProjectUserRequest) (aps.ProjectUser, error)
	RemoveProjectUser(ctx context.Context, projectID, userID string) error
}

// FolderPermissions is the folder API used by FolderRights
type FolderPermissions interface {
	TopFolderID(ctx context.Context, projectID, name string) (string, error)
	UpdateFolderPermissions(ctx context.Context, projectID, folderID string, perms []aps.PermissionRequest) error
}

// MembershipParams are the persisted parameters of an admin operation
type MembershipParams struct {
	AccountID  string `mapstructure:"account_id"`
	Email      string `mapstructure:"email"`
	UserID     string `mapstructure:"user_id"`
	RoleID     string `mapstructure:"role_id"`
	FromRoleID string `mapstructure:"from_role_id"`
	Folder     string `mapstructure:"folder"`
	Level      string `mapstructure:"level"`
}

// Map encodes the parameters for the state store
func (p MembershipParams) Map() map[string]any {
	return map[string]any{
		"account_id":   p.AccountID,
		"email":        p.Email,
		"user_id":      p.UserID,
		"role_id":      p.RoleID,
		"from_role_id": p.FromRoleID,
		"folder":       p.Folder,
		"level":        p.Level,
	}
}

// ProjectItems converts projects to work items keyed by project id
func ProjectItems(projects []aps.Project) []bulk.WorkItem {
	items := make([]bulk.WorkItem, len(projects))
	for i, p := range projects {
		items[i] = bulk.WorkItem{ID: aps.NormalizeProjectID(p.ID), Label: p.Name}
	}
	return items
}

// Idempotent reports whether retrying an ambiguous failure of kind is safe
func Idempotent(kind string) bool {
	return kind != KindAddUser
}

// AddUser adds the user to each project. Existing members are skipped.
func AddUser(users ProjectUsers, p MembershipParams) bulk.Processor {
	return func(ctx context.Context, item bulk.WorkItem) bulk.ItemResult {
		_, err := users.GetProjectUser(ctx, item.ID, p.UserID)
		switch {
		case err == nil:
			return bulk.Skipped("already member")
		case !aps.IsNotFound(err):
			return bulk.Failed(fmt.Errorf("check membership: %w", err))
		}

		req := aps.AddProjectUserRequest{UserID: p.UserID}
		if p.RoleID != "" {
			req.RoleIDs = []string{p.RoleID}
		}
		if _, err := users.AddProjectUser(ctx, item.ID, req); err != nil {
			if aps.IsConflict(err) {
				return bulk.Skipped("already member")
			}
			return bulk.Failed(err)
		}
		return bulk.Success(p.UserID)
	}
}

// RemoveUser removes the user from each project. Non-members are skipped.
func RemoveUser(users ProjectUsers, p MembershipParams) bulk.Processor {
	return func(ctx context.Context, item bulk.WorkItem) bulk.ItemResult {
		if err := users.RemoveProjectUser(ctx, item.ID, p.UserID); err != nil {
			if aps.IsNotFound(err) {
				return bulk.Skipped("not a member")
			}
			return bulk.Failed(err)
		}
		return bulk.Success(p.UserID)
	}
}

// UpdateRole moves the user to RoleID, optionally only from FromRoleID
func UpdateRole(users ProjectUsers, p MembershipParams) bulk.Processor {
	return func(ctx context.Context, item bulk.WorkItem) bulk.ItemResult {
		current, err := users.GetProjectUser(ctx, item.ID, p.UserID)
		if err != nil {
			if aps.IsNotFound(err) {
				return bulk.Skipped("not a member")
			}
			return bulk.Failed(fmt.Errorf("get membership: %w", err))
		}
		if p.FromRoleID != "" && !current.HasRole(p.FromRoleID) {
			return bulk.Skipped("role mismatch: current=" + strings.Join(current.RoleIDs, ","))
		}
		if current.HasRole(p.RoleID) && len(current.RoleIDs) == 1 {
			return bulk.Skipped("already has role")
		}

		req := aps.UpdateProjectUserRequest{RoleIDs: []string{p.RoleID}}
		if _, err := users.UpdateProjectUser(ctx, item.ID, p.UserID, req); err != nil {
			return bulk.Failed(err)
		}
		return bulk.Success(p.RoleID)
	}
}

// FolderRights grants the permission level on a top folder of each project
func FolderRights(folders FolderPermissions, p MembershipParams) (bulk.Processor, error) {
	actions, err := LevelActions(p.Level)
	if err != nil {
		return nil, err
	}
	name, err := FolderName(p.Folder)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, item bulk.WorkItem) bulk.ItemResult {
		folderID, err := folders.TopFolderID(ctx, item.ID, name)
		if err != nil {
			if errors.Is(err, aps.ErrFolderNotFound) {
				return bulk.Skipped("folder not found")
			}
			return bulk.Failed(err)
		}

		perms := []aps.PermissionRequest{{SubjectID: p.UserID, SubjectType: "USER", Actions: actions}}
		if err := folders.UpdateFolderPermissions(ctx, item.ID, folderID, perms); err != nil {
			return bulk.Failed(err)
		}
		return bulk.Success(p.Level)
	}, nil
}

var levelActions = map[string][]string{
	"view-only":                 {"VIEW", "COLLABORATE"},
	"view-download":             {"VIEW", "DOWNLOAD", "COLLABORATE"},
	"upload-only":               {"PUBLISH"},
	"view-download-upload":      {"PUBLISH", "VIEW", "DOWNLOAD", "COLLABORATE"},
	"view-download-upload-edit": {"PUBLISH", "VIEW", "DOWNLOAD", "COLLABORATE", "EDIT"},
	"folder-control":            {"PUBLISH", "VIEW", "DOWNLOAD", "COLLABORATE", "EDIT", "CONTROL"},
}

// LevelActions maps a permission level name to folder actions
func LevelActions(level string) ([]string, error) {
	actions, ok := levelActions[strings.ToLower(level)]
	if !ok {
		return nil, &bulk.ValidationError{Field: "level", Msg: fmt.Sprintf("unknown permission level %q (valid: %s)", level, strings.Join(Levels(), ", "))}
	}
	return actions, nil
}

// Levels lists the permission level names
func Levels() []string {
	names := make([]string, 0, len(levelActions))
	for k := range levelActions {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FolderName maps a folder flag value to the top folder display name
func FolderName(folder string) (string, error) {
	switch strings.ToLower(folder) {
	case "project-files", "":
		return "project files", nil
	case "plans":
		return "plans", nil
	}
	return "", &bulk.ValidationError{Field: "folder", Msg: fmt.Sprintf("unknown folder %q (valid: project-files, plans)", folder)}
}
