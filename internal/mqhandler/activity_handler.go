package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	mqcontracts "podnotify/contracts/mq"
	"podnotify/internal/notification"
	"podnotify/pkg/logger"
	"podnotify/pkg/metrics"
	"podnotify/pkg/trace"
	"podnotify/pkg/util"
)

const activityHandlerName = "activity"

// ErrUnknownActivity 无法映射成通知的行为类型
var ErrUnknownActivity = errors.New("unknown activity kind")

// NotificationWriter 通知的持久化写入
type NotificationWriter interface {
	Insert(ctx context.Context, d notification.Draft) (notification.Notification, error)
}

// ActivityHandler 把其它用户的行为（点赞、评论、审核、直播…）转成通知
type ActivityHandler struct {
	repo    NotificationWriter
	deduper *util.Deduper
	logger  *zap.Logger
}

func NewActivityHandler(repo NotificationWriter, deduper *util.Deduper, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{
		repo:    repo,
		deduper: deduper,
		logger:  logger,
	}
}

// Handle 每个 (event_id, recipient) 只写一次
func (h *ActivityHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.ActivityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode activity payload: %w", err)
	}
	if p.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrUnknownActivity)
	}
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("event_id", p.EventID),
		zap.String("kind", p.Kind),
	)

	drafts, err := BuildDrafts(p)
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		log.Debug("Activity has no recipients to notify")
		return nil
	}

	for _, d := range drafts {
		key := p.EventID + ":" + d.UserID
		if !h.deduper.AcquireOnce(ctx, activityHandlerName, key) {
			continue
		}
		n, err := h.repo.Insert(ctx, d)
		if err != nil {
			h.deduper.Release(ctx, activityHandlerName, key)
			return fmt.Errorf("failed to notify %s: %w", d.UserID, err)
		}
		metrics.IncrementActivityNotification(string(n.Type))
		log.Info("Activity notification created",
			zap.String("id", n.ID),
			zap.String("user_id", n.UserID),
		)
	}
	return nil
}

// BuildDrafts 按行为类型生成每个接收者的通知；跳过触发者本人和重复接收者
func BuildDrafts(p mqcontracts.ActivityPayload) ([]notification.Draft, error) {
	actor := p.Actor.FullName
	if actor == "" {
		actor = "Someone"
	}
	podcastURL := "/podcasts"
	if p.PodcastID != "" {
		podcastURL = "/podcasts?id=" + url.QueryEscape(p.PodcastID)
	}

	var tmpl notification.Draft
	switch p.Kind {
	case mqcontracts.ActivityPodcastLiked:
		tmpl = notification.Draft{
			Type:      notification.TypeLike,
			Title:     "New like",
			Message:   fmt.Sprintf("%s liked your podcast %q", actor, p.PodcastTitle),
			ActionURL: podcastURL,
		}
	case mqcontracts.ActivityPodcastCommented:
		msg := fmt.Sprintf("%s commented on %q", actor, p.PodcastTitle)
		if p.Comment != "" {
			msg += ": " + truncate(p.Comment, 120)
		}
		tmpl = notification.Draft{
			Type:      notification.TypeComment,
			Title:     "New comment",
			Message:   msg,
			ActionURL: podcastURL,
		}
	case mqcontracts.ActivityPodcastApproved:
		tmpl = notification.Draft{
			Type:      notification.TypeApproval,
			Title:     "Podcast approved",
			Message:   fmt.Sprintf("Your podcast %q has been approved and published", p.PodcastTitle),
			ActionURL: podcastURL,
		}
	case mqcontracts.ActivityPodcastPublished:
		tmpl = notification.Draft{
			Type:      notification.TypeNewPodcast,
			Title:     "New podcast",
			Message:   fmt.Sprintf("%s published %q", actor, p.PodcastTitle),
			ActionURL: podcastURL,
		}
	case mqcontracts.ActivityLiveStarted:
		link := p.StreamURL
		if link == "" {
			link = "/live"
		}
		tmpl = notification.Draft{
			Type:      notification.TypeLiveStream,
			Title:     "Live now",
			Message:   fmt.Sprintf("%s is live: %q", actor, p.PodcastTitle),
			ActionURL: link,
		}
	case mqcontracts.ActivityMentioned:
		tmpl = notification.Draft{
			Type:      notification.TypeMention,
			Title:     "You were mentioned",
			Message:   fmt.Sprintf("%s mentioned you in %q", actor, p.PodcastTitle),
			ActionURL: podcastURL,
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActivity, p.Kind)
	}

	seen := make(map[string]struct{}, len(p.Recipients))
	drafts := make([]notification.Draft, 0, len(p.Recipients))
	for _, recipient := range p.Recipients {
		if recipient == "" || recipient == p.Actor.ID {
			continue
		}
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}

		d := tmpl
		d.UserID = recipient
		d.Metadata = activityMetadata(p)
		drafts = append(drafts, d)
	}
	return drafts, nil
}

func activityMetadata(p mqcontracts.ActivityPayload) notification.Metadata {
	m := notification.Metadata{"event_id": p.EventID}
	if p.Actor.FullName != "" {
		m["user"] = map[string]any{"id": p.Actor.ID, "full_name": p.Actor.FullName}
	}
	if p.Department != "" {
		m["department"] = p.Department
	}
	if p.PodcastTitle != "" {
		m["podcastTitle"] = p.PodcastTitle
	}
	if p.PodcastID != "" {
		m["podcast_id"] = p.PodcastID
	}
	return m
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
