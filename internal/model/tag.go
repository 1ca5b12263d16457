package model

import (
	"time"

	"github.com/google/uuid"
)

// LimitType selects how an exception/compression filter's deviation
// threshold is computed relative to the reference value (§4.1).
type LimitType int

const (
	Absolute LimitType = iota
	Fraction
	Percentage
)

// FilterSettings configures either the exception filter or the
// compression filter for one tag (§3).
type FilterSettings struct {
	Enabled    bool
	LimitType  LimitType
	Limit      float64
	WindowSize time.Duration
}

// AccessRule is one allow/deny entry of a Policy.
type AccessRule struct {
	ClaimType string
	Value     string
}

// Policy is a named bundle of allow/deny access rules attached to a tag.
// Authorization itself (matching a caller's claims against these rules) is
// an out-of-scope collaborator (§1); aika only carries and persists the
// policy document.
type Policy struct {
	Allow []AccessRule
	Deny  []AccessRule
}

// Security groups tag-level ownership and access policies.
type Security struct {
	Owner    string
	Policies map[string]Policy
}

// TagMetadata records provenance: who created/last modified the tag, and
// when.
type TagMetadata struct {
	UtcCreatedAt      time.Time
	Creator           string
	UtcLastModifiedAt time.Time
	LastModifiedBy    string
}

// TagDefinition is the durable configuration of one tag (§3).
type TagDefinition struct {
	ID                uuid.UUID
	Name              string
	Description       string
	Units             string
	DataType          DataType
	StateSetName      string
	ExceptionFilter   FilterSettings
	CompressionFilter FilterSettings
	Security          Security
	Metadata          TagMetadata
}

// TagChangeHistory records one revision of a TagDefinition, written
// whenever an update replaces the previous version (§4.7).
type TagChangeHistory struct {
	ID              uuid.UUID
	TagID           uuid.UUID
	UtcTime         time.Time
	User            string
	Description     string
	PreviousVersion TagDefinition
}
