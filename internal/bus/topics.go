package bus

import "strings"

// Activity topics are scoped per task: activity.<task key>.<event kind>.
const TopicActivityPrefix = "activity."

// Task lifecycle topics published by the store on status transitions.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskMessage      = "task.message"
)

// ActivityTopic returns the topic for one event kind of one task.
func ActivityTopic(taskKey, kind string) string {
	return TopicActivityPrefix + taskKey + "." + kind
}

// ActivityPrefix returns the subscription prefix matching every event of
// one task. The trailing dot keeps "task-1" from matching "task-10".
func ActivityPrefix(taskKey string) string {
	return TopicActivityPrefix + taskKey + "."
}

// ActivityKind extracts the event kind from an activity topic.
func ActivityKind(topic string) string {
	if !strings.HasPrefix(topic, TopicActivityPrefix) {
		return ""
	}
	idx := strings.LastIndexByte(topic, '.')
	if idx < len(TopicActivityPrefix) {
		return ""
	}
	return topic[idx+1:]
}

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	TaskKey   string
	OldStatus string
	NewStatus string
}

// TaskMessageEvent is published when a mailbox message is stored.
type TaskMessageEvent struct {
	MessageID int64
	FromKey   string
	ToKey     string
	Type      string
}
