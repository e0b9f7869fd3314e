package models

import "time"

// ThreatSignature is one versioned detection pattern. Signatures are never
// edited in place: a newer version supersedes the whole set.
type ThreatSignature struct {
	ID        string    `json:"id" yaml:"-"`
	Category  string    `json:"category" yaml:"category"`
	Pattern   string    `json:"pattern" yaml:"pattern"`
	Severity  Severity  `json:"severity" yaml:"severity"`
	Source    string    `json:"source" yaml:"source"`
	Version   int       `json:"version" yaml:"-"`
	IsActive  bool      `json:"isActive" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
}
