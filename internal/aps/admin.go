package aps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrUserNotFound is returned when an email matches no account user
var ErrUserNotFound = errors.New("aps: user not found in account")

// projectPageSize is the largest page the admin API serves
const projectPageSize = 200

func accountPath(accountID string) string {
	return "/construction/admin/v1/accounts/" + url.PathEscape(NormalizeProjectID(accountID))
}

func projectUsersPath(projectID string) string {
	return "/construction/admin/v1/projects/" + url.PathEscape(NormalizeProjectID(projectID)) + "/users"
}

// FindUserByEmail resolves an account user by email
func (c *Client) FindUserByEmail(ctx context.Context, accountID, email string) (AccountUser, error) {
	q := url.Values{}
	q.Set("email", email)

	var users []AccountUser
	if err := c.do(ctx, http.MethodGet, accountPath(accountID)+"/users/search", q, nil, &users); err != nil {
		if IsNotFound(err) {
			return AccountUser{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		return AccountUser{}, fmt.Errorf("search user: %w", err)
	}
	for _, u := range users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return AccountUser{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
}

// ListProjects streams every project of the account, fetching pages on
// demand
func (c *Client) ListProjects(ctx context.Context, accountID string) (<-chan Project, <-chan error) {
	projCh := make(chan Project)
	errCh := make(chan error, 1)

	go func() {
		defer close(projCh)
		defer close(errCh)

		offset := 0
		for {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(projectPageSize))
			q.Set("offset", strconv.Itoa(offset))

			var page projectPage
			if err := c.do(ctx, http.MethodGet, accountPath(accountID)+"/projects", q, nil, &page); err != nil {
				errCh <- fmt.Errorf("list projects: %w", err)
				return
			}

			for _, p := range page.Results {
				select {
				case projCh <- p:
				case <-ctx.Done():
					return
				}
			}

			offset += len(page.Results)
			if len(page.Results) == 0 || offset >= page.Pagination.TotalResults {
				return
			}
		}
	}()

	return projCh, errCh
}

// GetProjectUser returns a membership; a 404 means the user is not a
// member
func (c *Client) GetProjectUser(ctx context.Context, projectID, userID string) (ProjectUser, error) {
	var u ProjectUser
	err := c.do(ctx, http.MethodGet, projectUsersPath(projectID)+"/"+url.PathEscape(userID), nil, nil, &u)
	return u, err
}

// AddProjectUser creates a membership
func (c *Client) AddProjectUser(ctx context.Context, projectID string, req AddProjectUserRequest) (ProjectUser, error) {
	if req.Products == nil {
		req.Products = []ProductAccess{}
	}
	var u ProjectUser
	err := c.do(ctx, http.MethodPost, projectUsersPath(projectID), nil, req, &u)
	return u, err
}

// UpdateProjectUser changes a membership's roles or products
func (c *Client) UpdateProjectUser(ctx context.Context, projectID, userID string, req UpdateProjectUserRequest) (ProjectUser, error) {
	var u ProjectUser
	err := c.do(ctx, http.MethodPatch, projectUsersPath(projectID)+"/"+url.PathEscape(userID), nil, req, &u)
	return u, err
}

// RemoveProjectUser deletes a membership
func (c *Client) RemoveProjectUser(ctx context.Context, projectID, userID string) error {
	return c.do(ctx, http.MethodDelete, projectUsersPath(projectID)+"/"+url.PathEscape(userID), nil, nil, nil)
}
