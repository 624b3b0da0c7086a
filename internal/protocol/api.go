// Package protocol defines the API request/response types.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/fruitsalade/flowshelf/internal/models"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"` // error kind, e.g. "not_found"
}

// OKResponse is returned by endpoints with nothing else to report.
type OKResponse struct {
	Success bool `json:"success"`
}

// BrowseItem is one entry of a browse listing.
type BrowseItem struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Path          string  `json:"path"`
	Size          int64   `json:"size"`
	Modified      float64 `json:"modified"` // seconds since the epoch
	WorkflowCount *int    `json:"workflow_count,omitempty"`
	Preview       string  `json:"preview,omitempty"`
}

// BrowseResponse is returned by GET /workflow-manager/browse
type BrowseResponse struct {
	Success     bool               `json:"success"`
	CurrentPath string             `json:"current_path"`
	Items       []BrowseItem       `json:"items"`
	Config      models.Preferences `json:"config"`
}

// CreateFolderRequest is the body for POST /workflow-manager/create-folder
type CreateFolderRequest struct {
	Name       string `json:"name"`
	ParentPath string `json:"parent_path"`
}

// PathResponse is returned by create-folder.
type PathResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// RenameRequest is the body for POST /workflow-manager/rename
type RenameRequest struct {
	OldPath     string `json:"old_path"`
	NewName     string `json:"new_name"`
	SyncPreview *bool  `json:"sync_preview,omitempty"`
}

// TransferRequest is the body for POST /workflow-manager/move and /copy
type TransferRequest struct {
	SourcePath  string `json:"source_path"`
	TargetDir   string `json:"target_dir"`
	SyncPreview *bool  `json:"sync_preview,omitempty"`
}

// DeleteRequest is the body for POST /workflow-manager/delete
type DeleteRequest struct {
	Path        string `json:"path"`
	SyncPreview *bool  `json:"sync_preview,omitempty"`
}

// Companion describes what happened to a workflow's preview image.
type Companion struct {
	Source  string `json:"source"`
	Target  string `json:"target,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// MutationResponse is returned by rename, move, copy and delete.
type MutationResponse struct {
	Success   bool       `json:"success"`
	NewPath   string     `json:"new_path,omitempty"`
	Companion *Companion `json:"preview,omitempty"`
}

// ReadWorkflowResponse is returned by GET /workflow-manager/read-workflow
type ReadWorkflowResponse struct {
	Success  bool            `json:"success"`
	Workflow json.RawMessage `json:"workflow"`
}

// UploadedFile is one file written by upload-workflow.
type UploadedFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// FailedFile is one file upload-workflow rejected.
type FailedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
	Code     string `json:"code"`
}

// UploadResponse is returned by POST /workflow-manager/upload-workflow
type UploadResponse struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	UploadedFiles []UploadedFile `json:"uploaded_files"`
	Uploaded      int            `json:"uploaded"`
	FailedFiles   []FailedFile   `json:"failed_files"`
	Failed        int            `json:"failed"`
	Errors        []string       `json:"errors"`
}

// UploadPreviewResponse is returned by POST /workflow-manager/upload-preview
type UploadPreviewResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// ViewModeRequest is the body for POST /workflow-manager/save-view-mode
type ViewModeRequest struct {
	ViewMode string `json:"viewMode"`
}

// ActivityResponse is returned by GET /workflow-manager/activity
type ActivityResponse struct {
	Success bool              `json:"success"`
	Entries []models.Activity `json:"entries"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Root   string `json:"root,omitempty"`
}

// FromNode converts a listing node into its wire form.
func FromNode(n models.Node) BrowseItem {
	item := BrowseItem{
		Name:     n.Name,
		Type:     string(n.Type),
		Path:     n.Path,
		Size:     n.Size,
		Modified: unixSeconds(n.ModTime),
		Preview:  n.Preview,
	}
	if n.IsDir() {
		count := n.WorkflowCount
		item.WorkflowCount = &count
	}
	return item
}

// FromNodes converts a listing, never returning nil.
func FromNodes(nodes []models.Node) []BrowseItem {
	items := make([]BrowseItem, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, FromNode(n))
	}
	return items
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
