package domain

import (
	"context"
	"strings"
)

// AlignmentPolicy controls visibility of alignment-sensitive content.
type AlignmentPolicy string

const (
	AlignmentShowAll     AlignmentPolicy = "all"
	AlignmentNeutralOnly AlignmentPolicy = "neutral_only"
	AlignmentHideOppose  AlignmentPolicy = "hide_opposing"
)

// FilterBundle is a user's delivery preference set, resolved once at
// connect time. The zero value means no filtering.
type FilterBundle struct {
	BlockedUsers  []string
	BlockedTopics []string
	Regions       []string
	MinRelevance  float64
	Alignment     string
	Policy        AlignmentPolicy
}

// PreferenceSource resolves a user's filter bundle. Implementations live
// outside the core; absence of data must return the zero bundle, not an
// error.
type PreferenceSource interface {
	GetFilters(ctx context.Context, userID string) (FilterBundle, error)
}

// Allows reports whether an event passes this bundle for the given
// connection owner. Checks run in a fixed order and the first suppression
// wins.
func (f FilterBundle) Allows(ownerID string, e Event) bool {
	author := e.AuthorID()

	// Never echo a user's own content back on their stream.
	if ownerID != "" && author != "" && author == ownerID {
		return false
	}

	for _, blocked := range f.BlockedUsers {
		if author != "" && author == blocked {
			return false
		}
	}

	if content := e.PayloadString("content"); content != "" {
		lowered := strings.ToLower(content)
		for _, topic := range f.BlockedTopics {
			if topic != "" && strings.Contains(lowered, strings.ToLower(topic)) {
				return false
			}
		}
	}

	if e.Type == EventTrends {
		if region := e.PayloadString("region"); region != "" && len(f.Regions) > 0 {
			if !containsFold(f.Regions, region) {
				return false
			}
		}
	}

	if e.Type == EventNews && f.MinRelevance > 0 {
		if relevance, ok := e.PayloadFloat("relevance"); ok && relevance < f.MinRelevance {
			return false
		}
	}

	if alignment := e.PayloadString("alignment"); alignment != "" && f.Alignment != "" {
		switch f.Policy {
		case AlignmentNeutralOnly:
			if !strings.EqualFold(alignment, "neutral") {
				return false
			}
		case AlignmentHideOppose:
			if !strings.EqualFold(alignment, "neutral") && !strings.EqualFold(alignment, f.Alignment) {
				return false
			}
		}
	}

	return true
}

func containsFold(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
