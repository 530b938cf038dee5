package mq

import "time"

// 平台其它模块发布的用户行为事件，routing key: activity.<kind>
const (
	ActivityPodcastLiked     = "podcast_liked"
	ActivityPodcastCommented = "podcast_commented"
	ActivityPodcastApproved  = "podcast_approved"
	ActivityPodcastPublished = "podcast_published"
	ActivityLiveStarted      = "live_started"
	ActivityMentioned        = "mentioned"
)

// Actor 触发行为的用户
type Actor struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

// ActivityPayload 一个行为事件可以通知多个接收者
type ActivityPayload struct {
	TraceID      string    `json:"trace_id,omitempty"`
	EventID      string    `json:"event_id"`
	Kind         string    `json:"kind"`
	Recipients   []string  `json:"recipients"`
	Actor        Actor     `json:"actor"`
	PodcastID    string    `json:"podcast_id,omitempty"`
	PodcastTitle string    `json:"podcast_title,omitempty"`
	Department   string    `json:"department,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	StreamURL    string    `json:"stream_url,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
