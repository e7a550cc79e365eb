package aps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrFolderNotFound is returned when a project has no matching top folder
var ErrFolderNotFound = errors.New("aps: folder not found")

type topFolders struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"attributes"`
	} `json:"data"`
}

func dmProjectPath(projectID string) string {
	return "/data/v1/projects/" + url.PathEscape(dmProjectID(projectID))
}

// TopFolderID finds the top folder whose display name contains name,
// case-insensitively
func (c *Client) TopFolderID(ctx context.Context, projectID, name string) (string, error) {
	var resp topFolders
	if err := c.do(ctx, http.MethodGet, dmProjectPath(projectID)+"/topFolders", nil, nil, &resp); err != nil {
		return "", fmt.Errorf("list top folders: %w", err)
	}

	want := strings.ToLower(name)
	for _, f := range resp.Data {
		display := f.Attributes.DisplayName
		if display == "" {
			display = f.Attributes.Name
		}
		if strings.Contains(strings.ToLower(display), want) {
			return f.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q in project %s", ErrFolderNotFound, name, NormalizeProjectID(projectID))
}

// FolderPermissions lists the grants on a folder
func (c *Client) FolderPermissions(ctx context.Context, projectID, folderID string) ([]FolderPermission, error) {
	var perms []FolderPermission
	path := dmProjectPath(projectID) + "/folders/" + url.PathEscape(folderID) + "/permissions"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &perms); err != nil {
		return nil, fmt.Errorf("get folder permissions: %w", err)
	}
	return perms, nil
}

// UpdateFolderPermissions sets grants on a folder. Existing grants for the
// same subject are replaced.
func (c *Client) UpdateFolderPermissions(ctx context.Context, projectID, folderID string, perms []PermissionRequest) error {
	path := dmProjectPath(projectID) + "/folders/" + url.PathEscape(folderID) + "/permissions:batch-update"
	body := map[string]any{"permissions": perms}
	if err := c.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("update folder permissions: %w", err)
	}
	return nil
}
