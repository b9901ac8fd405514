package domain

import (
	"github.com/shopspring/decimal"
)

// MainAgent tags citations and links that belong to the orchestrator's own text.
const MainAgent = "main"

// Citation is one inline source reference. Number is 1-based in order of
// first appearance in the raw text.
type Citation struct {
	Number      int     `json:"number"`
	Source      string  `json:"source"`
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet"`
	Confidence  float64 `json:"confidence"`
	OriginAgent string  `json:"origin_agent,omitempty"`
}

// LinkType distinguishes links gathered from citation tags from plain links.
type LinkType string

const (
	LinkCitation LinkType = "citation"
	LinkPlain    LinkType = "link"
)

// CollectedLink is a turn-scoped, URL-deduplicated source reference.
type CollectedLink struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Title   string   `json:"title"`
	Source  string   `json:"source"`
	Snippet string   `json:"snippet,omitempty"`
	Agent   string   `json:"agent"`
	Type    LinkType `json:"type"`
	Favicon string   `json:"favicon,omitempty"`
}

// NegotiationResult is the validated outcome reported by the pricing specialist.
type NegotiationResult struct {
	FinalPrice         decimal.Decimal `json:"final_price"`
	PackageID          string          `json:"package_id"`
	NegotiationSummary string          `json:"negotiation_summary"`
}
