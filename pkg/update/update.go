package update

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// DefaultType is the SSE event type used when the publisher does not set one.
const DefaultType = "message"

var (
	// ErrNoTopics is returned when an update is built without any topic
	ErrNoTopics = errors.New("update requires at least one topic")
	// ErrNegativeRetry is returned when a negative retry hint is provided
	ErrNegativeRetry = errors.New("retry cannot be negative")
	// ErrLineBreak is returned when the id or type would break the SSE framing
	ErrLineBreak = errors.New("id and type cannot contain line breaks")
)

// Options carries the optional parts of an update.
type Options struct {
	// ID is the event id. A fresh id is generated when empty.
	ID string

	// Targets restricts the update to subscribers holding one of these targets.
	// Ignored when AllTargets is set.
	Targets []string

	// AllTargets makes the update public regardless of Targets.
	AllTargets bool

	// Type is the SSE event type, DefaultType when empty.
	Type string

	// Retry is the reconnection hint in milliseconds.
	Retry int

	// PublisherID is an id supplied by the publisher but not used as the event id.
	PublisherID string
}

// Update is one published event. It is immutable after construction.
type Update struct {
	id          string
	topics      []string
	targets     []string // nil = public
	eventType   string
	retry       int
	data        []byte
	publisherID string
}

// New creates an Update from topics, payload and options.
// Topics, targets and data are copied so later mutation by the caller has no effect.
func New(topics []string, data []byte, opts Options) (*Update, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	if opts.Retry < 0 {
		return nil, ErrNegativeRetry
	}
	if hasLineBreak(opts.ID) || hasLineBreak(opts.Type) {
		return nil, ErrLineBreak
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	eventType := opts.Type
	if eventType == "" {
		eventType = DefaultType
	}

	var targets []string
	if !opts.AllTargets {
		// An empty, non-nil slice: targeted at no one, which differs from public.
		targets = make([]string, len(opts.Targets))
		copy(targets, opts.Targets)
	}

	topicsCopy := make([]string, len(topics))
	copy(topicsCopy, topics)

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	return &Update{
		id:          id,
		topics:      topicsCopy,
		targets:     targets,
		eventType:   eventType,
		retry:       opts.Retry,
		data:        dataCopy,
		publisherID: opts.PublisherID,
	}, nil
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

// ID returns the event id.
func (u *Update) ID() string {
	return u.id
}

// Topics returns a copy of the topics the update was published under.
func (u *Update) Topics() []string {
	result := make([]string, len(u.topics))
	copy(result, u.topics)
	return result
}

// Targets returns a copy of the target set, or nil for a public update.
func (u *Update) Targets() []string {
	if u.targets == nil {
		return nil
	}
	result := make([]string, len(u.targets))
	copy(result, u.targets)
	return result
}

// IsPublic reports whether every subscriber may receive the update.
func (u *Update) IsPublic() bool {
	return u.targets == nil
}

// HasTarget reports whether target is one of the update's targets.
func (u *Update) HasTarget(target string) bool {
	for _, t := range u.targets {
		if t == target {
			return true
		}
	}
	return false
}

// Type returns the SSE event type.
func (u *Update) Type() string {
	return u.eventType
}

// Retry returns the reconnection hint in milliseconds.
func (u *Update) Retry() int {
	return u.retry
}

// Data returns a copy of the payload.
func (u *Update) Data() []byte {
	result := make([]byte, len(u.data))
	copy(result, u.data)
	return result
}

// PublisherID returns the publisher-supplied id, if any.
func (u *Update) PublisherID() string {
	return u.publisherID
}

// MatchesAnyTopic reports whether match returns true for at least one topic.
// It avoids copying the topics on the per-subscriber fan-out path.
func (u *Update) MatchesAnyTopic(match func(topic string) bool) bool {
	for _, topic := range u.topics {
		if match(topic) {
			return true
		}
	}
	return false
}
