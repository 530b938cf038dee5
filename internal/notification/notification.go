package notification

import (
	"fmt"
	"strings"
	"time"
)

// Type 通知类型，决定展示图标和是否弹出 toast
type Type string

const (
	TypeLiveStream Type = "live_stream"
	TypeNewPodcast Type = "new_podcast"
	TypeLike       Type = "like"
	TypeComment    Type = "comment"
	TypeApproval   Type = "approval"
	TypeReminder   Type = "reminder"
	TypeMention    Type = "mention"
)

// Types 全部合法类型
var Types = []Type{
	TypeLiveStream,
	TypeNewPodcast,
	TypeLike,
	TypeComment,
	TypeApproval,
	TypeReminder,
	TypeMention,
}

// Valid 是否为已知类型
func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// Toast 直播、新节目、审核通过需要弹出 toast
func (t Type) Toast() bool {
	switch t {
	case TypeLiveStream, TypeNewPodcast, TypeApproval:
		return true
	default:
		return false
	}
}

// Metadata 无 schema 的附加信息，只按已知 key 防御性读取
type Metadata map[string]any

// String returns the value under key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Department 关联部门
func (m Metadata) Department() string {
	return m.String("department")
}

// PodcastTitle 关联节目标题
func (m Metadata) PodcastTitle() string {
	return m.String("podcastTitle")
}

// HasActor metadata.user 是否为对象
func (m Metadata) HasActor() bool {
	if m == nil {
		return false
	}
	_, ok := m["user"].(map[string]any)
	return ok
}

// ActorName 触发者的显示名 metadata.user.full_name
func (m Metadata) ActorName() string {
	if m == nil {
		return ""
	}
	user, ok := m["user"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := user["full_name"].(string)
	return name
}

// Notification 发给某一个用户的一条通知
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	ActionURL string    `json:"action_url,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Draft 待持久化的通知，id 和 created_at 由存储层分配
type Draft struct {
	UserID    string   `json:"user_id"`
	Type      Type     `json:"type"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	ActionURL string   `json:"action_url,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// Validate checks the fields every producer must fill in.
func (d Draft) Validate() error {
	switch {
	case d.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidDraft)
	case !d.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDraft, d.Type)
	case strings.TrimSpace(d.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidDraft)
	case strings.TrimSpace(d.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidDraft)
	}
	return nil
}
