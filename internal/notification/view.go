package notification

import (
	"fmt"
	"strings"
	"time"
)

// ToastDuration toast 自动消失时间
const ToastDuration = 5 * time.Second

// fallbackInitials 没有触发者信息时的头像文字
const fallbackInitials = "SY"

// BadgeLabel 铃铛角标：0 不显示，超过 9 显示 "9+"
func BadgeLabel(unread int) string {
	switch {
	case unread <= 0:
		return ""
	case unread > 9:
		return "9+"
	default:
		return fmt.Sprintf("%d", unread)
	}
}

// TimeAgo 渲染时按当前时间计算，不缓存
func TimeAgo(createdAt, now time.Time) string {
	diff := now.Sub(createdAt)
	minutes := int(diff / time.Minute)
	hours := int(diff / time.Hour)
	days := int(diff / (24 * time.Hour))

	switch {
	case minutes < 1:
		return "Just now"
	case minutes < 60:
		return fmt.Sprintf("%dm ago", minutes)
	case hours < 24:
		return fmt.Sprintf("%dh ago", hours)
	default:
		return fmt.Sprintf("%dd ago", days)
	}
}

// Icon 每种类型对应的图标名
func Icon(t Type) string {
	switch t {
	case TypeLiveStream:
		return "radio"
	case TypeNewPodcast:
		return "mic"
	case TypeLike:
		return "heart"
	case TypeComment:
		return "message-square"
	case TypeApproval:
		return "check-circle"
	case TypeReminder:
		return "calendar"
	case TypeMention:
		return "users"
	default:
		return "alert-circle"
	}
}

// Initials 取 metadata.user.full_name 每个单词的首字母
func Initials(m Metadata) string {
	name := m.ActorName()
	if name == "" {
		return fallbackInitials
	}
	var b strings.Builder
	for _, part := range strings.Split(name, " ") {
		if part == "" {
			continue
		}
		r := []rune(part)
		b.WriteRune(r[0])
	}
	if b.Len() == 0 {
		return fallbackInitials
	}
	return b.String()
}

// Indicator 铃铛视图
type Indicator struct {
	UnreadCount int    `json:"unread_count"`
	Label       string `json:"label"`
	ShowBadge   bool   `json:"show_badge"`
}

func NewIndicator(unread int) Indicator {
	label := BadgeLabel(unread)
	return Indicator{
		UnreadCount: unread,
		Label:       label,
		ShowBadge:   label != "",
	}
}

// PanelItem 下拉面板中的一条
type PanelItem struct {
	Notification
	Icon         string `json:"icon"`
	Avatar       string `json:"avatar,omitempty"`
	TimeAgo      string `json:"time_ago"`
	Department   string `json:"department,omitempty"`
	PodcastTitle string `json:"podcast_title,omitempty"`
	Unread       bool   `json:"unread"`
}

// Panel 下拉面板视图
type Panel struct {
	Items           []PanelItem `json:"items"`
	UnreadCount     int         `json:"unread_count"`
	NewLabel        string      `json:"new_label,omitempty"`
	ShowMarkAllRead bool        `json:"show_mark_all_read"`
	ShowViewAll     bool        `json:"show_view_all"`
	Loading         bool        `json:"loading"`
	Empty           bool        `json:"empty"`
}

// BuildPanel renders a snapshot at wall-clock time now.
func BuildPanel(s Snapshot, now time.Time) Panel {
	p := Panel{
		Items:           make([]PanelItem, 0, len(s.Notifications)),
		UnreadCount:     s.UnreadCount,
		ShowMarkAllRead: s.UnreadCount > 0,
		ShowViewAll:     len(s.Notifications) > 0,
		Loading:         s.Loading,
		Empty:           !s.Loading && len(s.Notifications) == 0,
	}
	if s.UnreadCount > 0 {
		p.NewLabel = fmt.Sprintf("%d new", s.UnreadCount)
	}
	for _, n := range s.Notifications {
		p.Items = append(p.Items, NewPanelItem(n, now))
	}
	return p
}

func NewPanelItem(n Notification, now time.Time) PanelItem {
	item := PanelItem{
		Notification: n,
		Icon:         Icon(n.Type),
		TimeAgo:      TimeAgo(n.CreatedAt, now),
		Department:   n.Metadata.Department(),
		PodcastTitle: n.Metadata.PodcastTitle(),
		Unread:       !n.Read,
	}
	if n.Metadata.HasActor() {
		item.Avatar = Initials(n.Metadata)
	}
	return item
}

// Toast 弹出提示
type Toast struct {
	Notification Notification `json:"notification"`
	Icon         string       `json:"icon"`
	Avatar       string       `json:"avatar,omitempty"`
	DismissAfter int64        `json:"dismiss_after_ms"`
}

// NewToast 只有需要 toast 的类型才返回 ok
func NewToast(n Notification) (Toast, bool) {
	if !n.Type.Toast() {
		return Toast{}, false
	}
	t := Toast{
		Notification: n,
		Icon:         Icon(n.Type),
		DismissAfter: ToastDuration.Milliseconds(),
	}
	if n.Metadata.HasActor() {
		t.Avatar = Initials(n.Metadata)
	}
	return t, true
}
