package types

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a memory. It drives default retention and indexing
// hints for backends but is not a hard partition.
type Category string

// Memory category constants
const (
	// CategoryProject holds facts about the project itself
	CategoryProject Category = "project"

	// CategoryPattern holds reusable techniques and conventions
	CategoryPattern Category = "pattern"

	// CategoryTeam holds people, ownership and process knowledge
	CategoryTeam Category = "team"

	// CategoryError holds failures and how they were resolved
	CategoryError Category = "error"
)

// AllCategories lists every valid category in a stable order.
var AllCategories = []Category{CategoryProject, CategoryPattern, CategoryTeam, CategoryError}

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryProject, CategoryPattern, CategoryTeam, CategoryError:
		return true
	}
	return false
}

// ParseCategory converts user input into a Category, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidationFailed, s)
	}
	return c, nil
}

// Metadata is an open-ended mapping of string keys to text values, used
// for exact-match filtering.
type Metadata map[string]string

// Clone returns a copy of m. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Matches reports whether every key in filter is present in m with an
// identical value. An empty filter matches everything.
func (m Metadata) Matches(filter Metadata) bool {
	for k, want := range filter {
		got, ok := m[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Record is the unit of storage: one categorized memory owned by a project.
type Record struct {
	ID           string    `json:"id"`
	ProjectScope string    `json:"project_scope"`
	Category     Category  `json:"category"`
	Content      string    `json:"content"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = r.Metadata.Clone()
	return &out
}

// Validate checks the fields every backend relies on.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrValidationFailed)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrValidationFailed)
	}
	if strings.TrimSpace(r.ProjectScope) == "" {
		return fmt.Errorf("%w: project scope is required", ErrValidationFailed)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidationFailed, r.Category)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidationFailed)
	}
	return ValidateMetadata(r.Metadata)
}

// ValidateMetadata rejects empty keys.
func ValidateMetadata(m Metadata) error {
	for k := range m {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: metadata keys must be non-empty", ErrValidationFailed)
		}
	}
	return nil
}

// Patch describes an explicit update. Nil fields are left untouched; a
// non-nil Metadata replaces the stored map entirely.
type Patch struct {
	Content  *string  `json:"content,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Content == nil && p.Metadata == nil
}

// Validate checks the patch is applicable.
func (p Patch) Validate() error {
	if p.Empty() {
		return fmt.Errorf("%w: update requires content or metadata", ErrValidationFailed)
	}
	if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
		return fmt.Errorf("%w: content must be non-empty", ErrValidationFailed)
	}
	return ValidateMetadata(p.Metadata)
}

// Apply mutates r according to the patch and bumps UpdatedAt. Identity
// fields (ID, ProjectScope, Category, CreatedAt) are never touched.
func (p Patch) Apply(r *Record, now time.Time) {
	if p.Content != nil {
		r.Content = *p.Content
	}
	if p.Metadata != nil {
		r.Metadata = p.Metadata.Clone()
	}
	Touch(r, now)
}

// Now returns the current time in the precision every backend can store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Touch sets r.UpdatedAt to now, keeping it strictly increasing even when
// two mutations land within the same microsecond.
func Touch(r *Record, now time.Time) {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = now
}
