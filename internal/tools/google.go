package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/lox/workspaceai/internal/agent"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	defaultCalendarID    = "primary"
	defaultEventDuration = 30 * time.Minute
	gmailUserID          = "me"
	workspaceUserAgent   = "workspaceai/0.1 (google)"
)

// CredentialSource resolves Google API client options for one owner at call
// time. Implementations must not share credentials between owners.
type CredentialSource interface {
	ClientOptions(ctx context.Context, ownerID string) ([]option.ClientOption, error)
}

// GoogleConfig configures the Google Workspace tools.
type GoogleConfig struct {
	Credentials CredentialSource
	CalendarID  string
	Now         func() time.Time
}

// NewGoogleRegistry returns a registry whose tools act on the owner's Gmail,
// Google Docs and Google Calendar.
func NewGoogleRegistry(cfg GoogleConfig) (*Registry, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("google tools: credential source is required")
	}
	if strings.TrimSpace(cfg.CalendarID) == "" {
		cfg.CalendarID = defaultCalendarID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return NewRegistry(
		&gmailSendTool{creds: cfg.Credentials},
		&docsCreateTool{creds: cfg.Credentials},
		&calendarEventTool{creds: cfg.Credentials, calendarID: cfg.CalendarID, now: cfg.Now},
	)
}

func clientOptions(ctx context.Context, creds CredentialSource, ownerID string) ([]option.ClientOption, error) {
	opts, err := creds.ClientOptions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return append(opts, option.WithUserAgent(workspaceUserAgent)), nil
}

type gmailSendTool struct {
	creds CredentialSource
}

func (t *gmailSendTool) Name() agent.FunctionName { return agent.FunctionCreateEmail }
func (t *gmailSendTool) RequiredArgs() []string   { return []string{"to", "subject", "body"} }

// Invoke sends the message immediately via users.messages.send.
func (t *gmailSendTool) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	to, err := stringArg(call.Arguments, "to")
	if err != nil {
		return nil, err
	}
	subject, err := stringArg(call.Arguments, "subject")
	if err != nil {
		return nil, err
	}
	body, err := stringArg(call.Arguments, "body")
	if err != nil {
		return nil, err
	}
	cc, err := stringArg(call.Arguments, "cc")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("%w: to is required", ErrInvalidArguments)
	}
	message, err := buildRFC2822Message(to, cc, subject, body)
	if err != nil {
		return nil, err
	}

	opts, err := clientOptions(ctx, t.creds, call.OwnerID)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail client: %w", err)
	}

	raw := base64.RawURLEncoding.EncodeToString([]byte(message))
	sent, err := svc.Users.Messages.Send(gmailUserID, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail send: %w", err)
	}

	return map[string]any{
		"action":     string(agent.FunctionCreateEmail),
		"to":         strings.TrimSpace(to),
		"subject":    strings.TrimSpace(subject),
		"message_id": sent.Id,
		"thread_id":  sent.ThreadId,
	}, nil
}

// buildRFC2822Message refuses header values containing CR or LF; the subject
// is Q-encoded when it is not plain ASCII.
func buildRFC2822Message(to, cc, subject, body string) (string, error) {
	headers := []struct{ name, value string }{
		{"to", strings.TrimSpace(to)},
		{"cc", strings.TrimSpace(cc)},
		{"subject", strings.TrimSpace(subject)},
	}
	for _, h := range headers {
		if strings.ContainsAny(h.value, "\r\n") {
			return "", fmt.Errorf("%w: %s must be a single line", ErrInvalidArguments, h.name)
		}
	}

	var msg strings.Builder
	msg.WriteString("To: " + headers[0].value + "\r\n")
	if headers[1].value != "" {
		msg.WriteString("Cc: " + headers[1].value + "\r\n")
	}
	msg.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", headers[2].value) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String(), nil
}

type docsCreateTool struct {
	creds CredentialSource
}

func (t *docsCreateTool) Name() agent.FunctionName { return agent.FunctionCreateDoc }
func (t *docsCreateTool) RequiredArgs() []string   { return []string{"title"} }

// Invoke creates the document, then inserts content if any was given. The
// two calls are not atomic: a failed insert leaves an empty document behind.
func (t *docsCreateTool) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	title, err := stringArg(call.Arguments, "title")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(call.Arguments, "content")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArguments)
	}

	text, err := normalizeDocContent(content)
	if err != nil {
		return nil, fmt.Errorf("normalize document content: %w", err)
	}

	opts, err := clientOptions(ctx, t.creds, call.OwnerID)
	if err != nil {
		return nil, err
	}
	svc, err := docs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("docs client: %w", err)
	}

	doc, err := svc.Documents.Create(&docs.Document{Title: strings.TrimSpace(title)}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("docs create: %w", err)
	}

	if text != "" {
		_, err := svc.Documents.BatchUpdate(doc.DocumentId, &docs.BatchUpdateDocumentRequest{
			Requests: []*docs.Request{{
				InsertText: &docs.InsertTextRequest{
					Location: &docs.Location{Index: 1},
					Text:     text,
				},
			}},
		}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("docs insert content into %s: %w", doc.DocumentId, err)
		}
	}

	return map[string]any{
		"action":      string(agent.FunctionCreateDoc),
		"title":       doc.Title,
		"document_id": doc.DocumentId,
		"url":         "https://docs.google.com/document/d/" + doc.DocumentId + "/edit",
	}, nil
}

type calendarEventTool struct {
	creds      CredentialSource
	calendarID string
	now        func() time.Time
}

func (t *calendarEventTool) Name() agent.FunctionName { return agent.FunctionCreateCalendarEvent }
func (t *calendarEventTool) RequiredArgs() []string   { return []string{"summary"} }

func (t *calendarEventTool) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	summary, err := stringArg(call.Arguments, "summary")
	if err != nil {
		return nil, err
	}
	description, err := stringArg(call.Arguments, "description")
	if err != nil {
		return nil, err
	}
	startRaw, err := stringArg(call.Arguments, "start_time")
	if err != nil {
		return nil, err
	}
	endRaw, err := stringArg(call.Arguments, "end_time")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(summary) == "" {
		return nil, fmt.Errorf("%w: summary is required", ErrInvalidArguments)
	}

	start, end, err := eventWindow(t.now(), startRaw, endRaw)
	if err != nil {
		return nil, err
	}

	opts, err := clientOptions(ctx, t.creds, call.OwnerID)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}

	event, err := svc.Events.Insert(t.calendarID, &calendar.Event{
		Summary:     strings.TrimSpace(summary),
		Description: strings.TrimSpace(description),
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar insert: %w", err)
	}

	return map[string]any{
		"action":     string(agent.FunctionCreateCalendarEvent),
		"summary":    event.Summary,
		"event_id":   event.Id,
		"start_time": start.Format(time.RFC3339),
		"end_time":   end.Format(time.RFC3339),
		"html_link":  event.HtmlLink,
	}, nil
}

// eventWindow resolves the event start and end. A missing start defaults to
// the next whole hour; a missing end defaults to start plus 30 minutes.
func eventWindow(now time.Time, startRaw, endRaw string) (time.Time, time.Time, error) {
	var start time.Time
	if s := strings.TrimSpace(startRaw); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start_time: %v", ErrInvalidArguments, err)
		}
		start = parsed
	} else {
		start = now.UTC().Truncate(time.Hour).Add(time.Hour)
	}

	end := start.Add(defaultEventDuration)
	if s := strings.TrimSpace(endRaw); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time: %v", ErrInvalidArguments, err)
		}
		if !parsed.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidArguments)
		}
		end = parsed
	}
	return start, end, nil
}
