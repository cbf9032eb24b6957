package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// Notifier displays a notification to the user. The cache controller only
// depends on this capability, never on a concrete messaging backend.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// PushPayload is the JSON body of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Data  struct {
		URL string `json:"url"`
	} `json:"data"`
}

const defaultNotificationTitle = "Notification"

// parsePush decodes a push message. A payload that is not JSON is shown as the
// notification body, the way browsers treat text push data.
func parsePush(raw []byte) Notification {
	n := Notification{Title: defaultNotificationTitle, TargetPath: "/"}
	var p PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		n.Body = strings.TrimSpace(string(raw))
		return n
	}
	if p.Title != "" {
		n.Title = p.Title
	}
	n.Body = p.Body
	if p.Data.URL != "" {
		n.TargetPath = p.Data.URL
	}
	return n
}

type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("notify: title=%q body=%q target=%s", n.Title, n.Body, n.TargetPath)
	return nil
}

type shoutrrrNotifier struct {
	sender *router.ServiceRouter
}

func newShoutrrrNotifier(urls []string) (*shoutrrrNotifier, error) {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	return &shoutrrrNotifier{sender: sender}, nil
}

func (s *shoutrrrNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := n.Body
	if n.TargetPath != "" {
		msg = strings.TrimSpace(msg + "\n" + n.TargetPath)
	}
	params := types.Params{"title": n.Title}
	return errors.Join(s.sender.Send(msg, &params)...)
}

// newNotifier picks shoutrrr when service URLs are configured and falls back
// to logging otherwise.
func newNotifier(cfg NotifyConfig) (Notifier, error) {
	var urls []string
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return logNotifier{}, nil
	}
	return newShoutrrrNotifier(urls)
}
