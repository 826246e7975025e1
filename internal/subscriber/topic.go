package subscriber

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/yosida95/uritemplate/v3"
)

// ErrInvalidTopic is returned when a topic selector is not a valid URI template
var ErrInvalidTopic = errors.New("not a valid URI template (RFC6570)")

// Topic is a compiled topic selector.
type Topic struct {
	raw    string
	regexp *regexp.Regexp
}

// CompileTopic compiles an RFC 6570 URI template into a Topic.
// A literal string is a template without expressions and matches only itself.
func CompileTopic(raw string) (Topic, error) {
	tpl, err := uritemplate.New(raw)
	if err != nil {
		return Topic{}, fmt.Errorf("%q is %w: %v", raw, ErrInvalidTopic, err)
	}

	return Topic{raw: raw, regexp: tpl.Regexp()}, nil
}

// CompileTopics compiles every selector, failing on the first invalid one.
func CompileTopics(raw []string) ([]Topic, error) {
	topics := make([]Topic, 0, len(raw))
	for _, r := range raw {
		topic, err := CompileTopic(r)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

// Match reports whether the literal topic of an update matches this selector.
func (t Topic) Match(topic string) bool {
	return t.regexp.MatchString(topic)
}

// String returns the selector as declared by the subscriber.
func (t Topic) String() string {
	return t.raw
}
