// Package notify posts task lifecycle events to Feishu bot webhooks. Two
// bots exist: one for task status traffic and one for debug/error traffic.
// Sends are fire-and-forget; a webhook outage never blocks the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// eventTitles map lifecycle events onto the card titles the bots render.
var eventTitles = map[domain.EventType]string{
	domain.EventTaskSubmitted:        "🆕 任务已提交",
	domain.EventTaskProcessing:       "⏳ 任务处理中",
	domain.EventTaskCompleted:        "✅ 任务已完成",
	domain.EventTaskFailed:           "❌ 任务失败",
	domain.EventTaskPartialCompleted: "⚠️ 任务部分完成",
	domain.EventTaskCancelled:        "🚫 任务已取消",
}

const sendTimeout = 30 * time.Second

// Feishu implements domain.Notifier. Task lifecycle events go to the task
// bot; every other event type goes to the debug bot.
type Feishu struct {
	cfg config.Config
	hc  *http.Client
	wg  sync.WaitGroup
}

func New(cfg config.Config) *Feishu {
	return &Feishu{cfg: cfg, hc: &http.Client{Timeout: 10 * time.Second}}
}

var _ domain.Notifier = (*Feishu)(nil)

// Notify dispatches the event to its bot in a background goroutine and
// returns immediately. Delivery failures are logged and dropped. Only the
// caller's logger is carried into the send; cancellation of the triggering
// request or message must not lose the notification.
func (f *Feishu) Notify(ctx context.Context, event domain.TaskEvent) {
	lg := observability.LoggerFromContext(ctx)
	url := f.cfg.FeishuTaskWebhookURL
	if _, task := eventTitles[event.Type]; !task {
		url = f.cfg.FeishuDebugWebhookURL
	}
	if url == "" {
		lg.Debug("feishu webhook not configured, skipping notification", slog.String("event", string(event.Type)))
		return
	}

	text := renderEvent(event, f.frontendURL(event.TaskID))
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := f.send(sendCtx, url, text); err != nil {
			lg.Error("feishu notification failed",
				slog.String("event", string(event.Type)),
				slog.String("task_id", event.TaskID),
				slog.Any("error", err))
		}
	}()
}

// Close waits for in-flight sends; call it on shutdown.
func (f *Feishu) Close() {
	f.wg.Wait()
}

// send POSTs one text message, retrying transient failures with exponential
// backoff inside the send timeout.
func (f *Feishu) send(ctx context.Context, url, text string) error {
	body, err := json.Marshal(map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": text},
	})
	if err != nil {
		return fmt.Errorf("op=notify.send: marshal: %w", err)
	}

	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Content-Type", "application/json")
		resp, err := f.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := fmt.Errorf("webhook status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = sendTimeout / 2
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

func (f *Feishu) frontendURL(taskID string) string {
	if taskID == "" || f.cfg.FrontendBaseURL == "" {
		return ""
	}
	return strings.TrimRight(f.cfg.FrontendBaseURL, "/") + "/model-testing/history/" + taskID
}

// renderEvent flattens the event into the text block the bots post: title,
// identity lines, detail lines, frontend link, free-form message, timestamp.
func renderEvent(event domain.TaskEvent, frontendURL string) string {
	title, ok := eventTitles[event.Type]
	if !ok {
		title = "📢 " + string(event.Type)
	}
	lines := []string{title}
	if event.TaskID != "" {
		lines = append(lines, "任务ID: "+event.TaskID)
	}
	if event.TaskName != "" {
		lines = append(lines, "任务名称: "+event.TaskName)
	}
	if event.Username != "" {
		lines = append(lines, "提交者: "+event.Username)
	}
	for _, d := range event.Details {
		lines = append(lines, d.Key+": "+d.Value)
	}
	if frontendURL != "" {
		lines = append(lines, "查看详情: "+frontendURL)
	}
	if event.Message != "" {
		lines = append(lines, "\n"+event.Message)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	lines = append(lines, "\n时间: "+ts.Format("2006-01-02 15:04:05"))
	return strings.Join(lines, "\n")
}
