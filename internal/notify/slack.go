package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const slackFooter = "task-orch"

// Slack posts notifications to an incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlack creates a Slack notifier. An empty webhook disables it.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Slack) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(slackPayload(n, time.Now()))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func slackPayload(n Notification, now time.Time) slackMessage {
	att := slackAttachment{
		Color:     slackColor(n.Level),
		Text:      n.Body,
		Footer:    slackFooter,
		Timestamp: now.Unix(),
	}
	if n.BatchID != "" {
		att.Title = "Batch " + n.BatchID
		att.TitleLink = n.Link
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackField{Title: f.Label, Value: f.Value, Short: true})
	}
	return slackMessage{Text: n.Title, Attachments: []slackAttachment{att}}
}

func slackColor(l Level) string {
	switch l {
	case LevelSuccess:
		return "good"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "danger"
	default:
		return "#439FE0"
	}
}
