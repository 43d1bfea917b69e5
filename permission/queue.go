package permission

import (
	"fmt"
	"slices"
)

// CheckQueueTopic reports whether the plugin may receive jobs published to the
// given topic. Membership is exact; there are no topic wildcards.
func (s *Set) CheckQueueTopic(topic string) Decision {
	if s == nil || s.Queue == nil || len(s.Queue.Topics) == 0 {
		return deny("no queue access granted")
	}
	if slices.Contains(s.Queue.Topics, topic) {
		return allow()
	}
	return deny(fmt.Sprintf("topic %q not in allow-list", topic))
}
