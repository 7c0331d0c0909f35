package mqtt

import (
	"fmt"
	"strings"
)

// Topic wildcards and separators.
const (
	// TopicSeparator splits topics and filters into levels.
	TopicSeparator = "/"

	// WildcardSingle matches exactly one topic level.
	WildcardSingle = "+"

	// WildcardMulti matches zero or more trailing topic levels. Only legal as
	// the last level of a filter.
	WildcardMulti = "#"

	// maxTopicLength is the MQTT limit for UTF-8 encoded topic strings.
	maxTopicLength = 65535
)

// =============================================================================
// Matching
// =============================================================================

// FilterMatchesTopic reports whether the topic filter matches a concrete topic.
//
// Rules:
//   - "+" consumes exactly one level, which may be empty ("a/+/c" matches "a//c")
//     but must exist ("a/+" does not match "a")
//   - "#" matches the remaining levels, including none ("a/#" matches "a")
//   - A filter whose first level is "#" never matches a topic whose first
//     level starts with "$"; "$SYS/#" still matches "$SYS/broker/uptime"
//   - Levels are compared case-sensitively
//
// Example:
//
//	mqtt.FilterMatchesTopic("sensors/+/temp", "sensors/kitchen/temp") // true
//	mqtt.FilterMatchesTopic("#", "$SYS/broker/uptime")                 // false
func FilterMatchesTopic(filter, topic string) bool {
	filterLevels := strings.Split(filter, TopicSeparator)
	topicLevels := strings.Split(topic, TopicSeparator)

	if filterLevels[0] == WildcardMulti && strings.HasPrefix(topicLevels[0], "$") {
		return false
	}

	for i, level := range filterLevels {
		switch {
		case level == WildcardMulti:
			return true
		case i >= len(topicLevels):
			return false
		case level == WildcardSingle:
			continue
		case level != topicLevels[i]:
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// =============================================================================
// Validation
// =============================================================================

// ValidateTopic checks that topic can be published to.
//
// Returns:
//   - error: wraps ErrInvalidTopic if the topic is empty, too long,
//     contains a wildcard or a NUL character
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	case len(topic) > maxTopicLength:
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	case strings.ContainsAny(topic, WildcardSingle+WildcardMulti):
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: %q contains a NUL character", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks that filter is a well-formed subscription pattern.
//
// Returns:
//   - error: wraps ErrInvalidFilter if the filter is empty, too long, uses a
//     wildcard inside a level, or has "#" anywhere but the last level
func ValidateFilter(filter string) error {
	switch {
	case filter == "":
		return fmt.Errorf("%w: filter cannot be empty", ErrInvalidFilter)
	case len(filter) > maxTopicLength:
		return fmt.Errorf("%w: filter exceeds %d bytes", ErrInvalidFilter, maxTopicLength)
	case strings.ContainsRune(filter, 0):
		return fmt.Errorf("%w: %q contains a NUL character", ErrInvalidFilter, filter)
	}

	levels := strings.Split(filter, TopicSeparator)
	for i, level := range levels {
		if level == WildcardSingle {
			continue
		}
		if level == WildcardMulti {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has %s before the last level", ErrInvalidFilter, filter, WildcardMulti)
			}
			continue
		}
		if strings.ContainsAny(level, WildcardSingle+WildcardMulti) {
			return fmt.Errorf("%w: %q mixes a wildcard with other characters in level %d", ErrInvalidFilter, filter, i)
		}
	}

	return nil
}
