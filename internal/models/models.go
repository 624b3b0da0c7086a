// Package models contains data types shared by the tree, journal and API.
package models

import "time"

// NodeType classifies an entry in a listing.
type NodeType string

const (
	NodeDirectory NodeType = "directory"
	NodeWorkflow  NodeType = "workflow"
)

// Node summarizes a directory or workflow file under the root.
type Node struct {
	Name          string
	Type          NodeType
	Path          string // relative, forward slashes
	Size          int64
	ModTime       time.Time
	WorkflowCount int    // directories only
	Preview       string // relative path of the companion, workflows only
}

// IsDir reports whether the node is a directory.
func (n Node) IsDir() bool { return n.Type == NodeDirectory }

// Activity is one journal record of a tree operation.
type Activity struct {
	ID      int64     `json:"id"`
	Op      string    `json:"op"`
	Path    string    `json:"path"`
	Target  string    `json:"target,omitempty"`
	Result  string    `json:"result"` // "ok" or an error kind
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Preferences are the UI view settings.
type Preferences struct {
	ViewMode  string `json:"viewMode"`
	SortBy    string `json:"sortBy"`
	SortOrder string `json:"sortOrder"`
}
