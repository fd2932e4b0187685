// Package limiter implements adaptive concurrency control for export
// operations. A DynamicLimiter bounds in-flight operations of one category
// and tunes its own limit from observed performance; a Manager owns one
// limiter per category and adds cross-category intelligence (global
// statistics, auto-tuning, rebalancing).
package limiter

import (
	"time"
)

// Category partitions concurrency policy by the kind of object an operation
// touches. Each category gets its own DynamicLimiter and statistics.
type Category string

const (
	// CategoryPages covers page fetch and transform operations
	CategoryPages Category = "pages"
	// CategoryBlocks covers block tree traversal operations
	CategoryBlocks Category = "blocks"
	// CategoryDatabases covers database and collection queries
	CategoryDatabases Category = "databases"
	// CategoryComments covers comment listing operations
	CategoryComments Category = "comments"
	// CategoryUsers covers user resolution operations
	CategoryUsers Category = "users"
	// CategoryProperties covers property value pagination
	CategoryProperties Category = "properties"
	// CategoryDefault is the fallback for uncategorized work
	CategoryDefault Category = "default"
)

// AllCategories lists every known category, default last.
func AllCategories() []Category {
	return []Category{
		CategoryPages,
		CategoryBlocks,
		CategoryDatabases,
		CategoryComments,
		CategoryUsers,
		CategoryProperties,
		CategoryDefault,
	}
}

// ParseCategory maps a category name to its Category, falling back to
// CategoryDefault for unknown or empty names.
func ParseCategory(s string) Category {
	for _, c := range AllCategories() {
		if string(c) == s {
			return c
		}
	}
	return CategoryDefault
}

// Priority orders waiters within a category's admission queue.
type Priority int

const (
	// PriorityHigh is admitted before all other waiters
	PriorityHigh Priority = iota
	// PriorityNormal is the default priority
	PriorityNormal
	// PriorityLow is admitted only when no higher-priority waiter exists
	PriorityLow

	numPriorities = 3
)

// ParsePriority maps the configuration strings high/normal/low to a Priority,
// defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the configuration name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// OpContext describes one unit of work submitted to a limiter. It is created
// per call and discarded after completion.
type OpContext struct {
	// Category routes the operation to the right limiter
	Category Category
	// ObjectID is the caller-assigned identifier of the object being processed
	ObjectID string
	// Name is a human-readable operation name for logs and errors
	Name string
	// Priority orders admission among waiting operations (default normal)
	Priority Priority
	// Timeout, when positive, bounds the operation's execution time
	Timeout time.Duration
	// StartedAt is set by the limiter when execution begins
	StartedAt time.Time
}
