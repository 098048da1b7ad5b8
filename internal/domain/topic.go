package domain

import "strings"

// TopicMatches проверяет topic на соответствие шаблону.
//
// Шаблоны:
//   - "*" — любой topic
//   - "a/b/*" — любой topic под префиксом "a/b/"
//   - "a/b" — только точное совпадение
func TopicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok {
		return false
	}
	return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
}

// AnyTopicMatches проверяет topic на соответствие хотя бы одному шаблону.
// Пустой список шаблонов принимает любой topic.
func AnyTopicMatches(patterns []string, topic string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if TopicMatches(p, topic) {
			return true
		}
	}
	return false
}
