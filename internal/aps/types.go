package aps

import (
	"strings"
	"time"
)

// AccountUser is a member of an ACC account
type AccountUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Project is an account project
type Project struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status,omitempty"`
	Platform  string     `json:"platform,omitempty"`
	Type      string     `json:"type,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// IsACC reports whether the project lives on ACC rather than BIM 360
func (p Project) IsACC() bool {
	return strings.EqualFold(p.Platform, "acc")
}

// ProductAccess grants access to one product in a project
type ProductAccess struct {
	Key    string `json:"key"`
	Access string `json:"access"`
}

// ProjectUser is a project membership
type ProjectUser struct {
	ID       string          `json:"id"`
	Email    string          `json:"email,omitempty"`
	Name     string          `json:"name,omitempty"`
	RoleIDs  []string        `json:"roleIds,omitempty"`
	Products []ProductAccess `json:"products,omitempty"`
}

// HasRole reports whether the membership carries roleID
func (u ProjectUser) HasRole(roleID string) bool {
	for _, r := range u.RoleIDs {
		if r == roleID {
			return true
		}
	}
	return false
}

// AddProjectUserRequest is the body of a membership create
type AddProjectUserRequest struct {
	UserID   string          `json:"userId"`
	RoleIDs  []string        `json:"roleIds,omitempty"`
	Products []ProductAccess `json:"products"`
}

// UpdateProjectUserRequest is the body of a membership update
type UpdateProjectUserRequest struct {
	RoleIDs  []string        `json:"roleIds,omitempty"`
	Products []ProductAccess `json:"products,omitempty"`
}

type pagination struct {
	Limit        int `json:"limit"`
	Offset       int `json:"offset"`
	TotalResults int `json:"totalResults"`
}

type projectPage struct {
	Results    []Project  `json:"results"`
	Pagination pagination `json:"pagination"`
}

// PermissionRequest grants actions on a folder to a subject
type PermissionRequest struct {
	SubjectID   string   `json:"subjectId"`
	SubjectType string   `json:"subjectType"`
	Actions     []string `json:"actions"`
}

// FolderPermission is an existing folder grant
type FolderPermission struct {
	SubjectID     string   `json:"subjectId"`
	SubjectType   string   `json:"subjectType"`
	Actions       []string `json:"actions"`
	InheritedFrom string   `json:"inheritedFrom,omitempty"`
}
