package evidence

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("evidence")

var (
	// ErrDuplicateAnchorConflict is returned when an incoming item claims an
	// anchor already held by an item of another category and carries no
	// contradiction note.
	ErrDuplicateAnchorConflict = errors.New("duplicate anchor conflict")
	// ErrInvalidItem is returned for items that fail shape validation.
	ErrInvalidItem = errors.New("invalid evidence item")
)

// ConflictError carries both sides of an anchor conflict.
type ConflictError struct {
	Anchor   string
	Existing Item
	Incoming Item
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: anchor %q already records %s (%s), incoming %s has no contradiction note",
		ErrDuplicateAnchorConflict, e.Anchor, e.Existing.ID, e.Existing.Category, e.Incoming.Category)
}

func (e *ConflictError) Unwrap() error { return ErrDuplicateAnchorConflict }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidItem, fmt.Sprintf(format, args...))
}

// AppendFunc is invoked under the store lock for every new item, after
// validation and ID assignment. A non-nil error aborts the append.
type AppendFunc func(Item) error

// Option configures a Store.
type Option func(*Store)

// WithAppendHook registers fn to observe, and possibly veto, each append.
func WithAppendHook(fn AppendFunc) Option {
	return func(s *Store) { s.hook = fn }
}

// Store is the run's single evidence log. All mutation goes through Record,
// which serializes appends behind one lock.
type Store struct {
	mu       sync.Mutex
	items    []Item
	byID     map[string]int
	byAnchor map[string][]int
	hook     AppendFunc
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:     make(map[string]int),
		byAnchor: make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends item and returns its ID. Any ID set by the caller is ignored;
// IDs are assigned sequentially so identical input yields identical IDs.
// Recording an item identical to one already held on the same anchor returns
// the existing ID without appending.
func (s *Store) Record(item Item) (string, error) {
	if err := validate(item); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range s.byAnchor[item.Anchor] {
		existing := s.items[idx]
		if existing.sameContent(item) {
			return existing.ID, nil
		}
		if existing.Category != item.Category && item.Note == "" {
			return "", &ConflictError{Anchor: item.Anchor, Existing: existing, Incoming: item}
		}
	}

	item.ID = fmt.Sprintf("E-%04d", len(s.items)+1)
	item.Outline = cloneStrings(item.Outline)
	item.Facets = cloneStrings(item.Facets)

	if s.hook != nil {
		if err := s.hook(item); err != nil {
			return "", fmt.Errorf("appending %s: %w", item.ID, err)
		}
	}

	s.items = append(s.items, item)
	s.byID[item.ID] = len(s.items) - 1
	s.byAnchor[item.Anchor] = append(s.byAnchor[item.Anchor], len(s.items)-1)
	log.Debug("Recorded %s %s at %s", item.ID, item.Category, item.Anchor)
	return item.ID, nil
}

func validate(item Item) error {
	if item.Anchor == "" {
		return invalidf("anchor is required")
	}
	if !item.Category.Valid() {
		return invalidf("unknown category %q at %s", item.Category, item.Anchor)
	}
	switch item.Strength {
	case "":
	case StrengthHard, StrengthSoft:
		if item.Category != CategoryConstraint {
			return invalidf("strength %q only applies to constraints (%s)", item.Strength, item.Anchor)
		}
	default:
		return invalidf("unknown strength %q at %s", item.Strength, item.Anchor)
	}
	if item.NotRequired && item.Resolves == "" {
		return invalidf("not-required determination must name the question it resolves (%s)", item.Anchor)
	}
	return nil
}

// Len returns the number of recorded items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Get returns the item with the given ID.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return s.items[idx], true
}

// snapshot returns the current prefix of the log. Items are never mutated
// after append, so the returned slice is safe to read without the lock.
func (s *Store) snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[:len(s.items):len(s.items)]
}

// All yields every item in insertion order. Each range starts over from the
// first item and stops at the log length observed when it began.
func (s *Store) All() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, item := range s.snapshot() {
			if !yield(item) {
				return
			}
		}
	}
}

// QueryByCategory yields the items of one category in insertion order.
func (s *Store) QueryByCategory(cat Category) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, item := range s.snapshot() {
			if item.Category != cat {
				continue
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Answers yields the items that resolve the given question ID.
func (s *Store) Answers(questionID string) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, item := range s.snapshot() {
			if item.Resolves != questionID {
				continue
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Items returns a copy of the log.
func (s *Store) Items() []Item {
	snap := s.snapshot()
	out := make([]Item, len(snap))
	copy(out, snap)
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
