package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

type capturedRequest struct {
	path string
	body map[string]any
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var requests []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		requests = append(requests, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()

		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestNotifierSlack(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK, "ok")
	n := NewReportNotifier()

	results := n.Send(context.Background(), &types.ReportConfig{
		Template: "build {status}",
		Channels: []types.ReportChannel{{
			Type:   "slack",
			Config: map[string]any{"webhook_url": srv.URL + "/hook", "channel": "#ops"},
		}},
	}, map[string]any{"status": "green"})

	require.Contains(t, results, "slack_0")
	assert.True(t, results["slack_0"].Success)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/hook", reqs[0].path)
	assert.Equal(t, "build green", reqs[0].body["text"])
	assert.Equal(t, "#ops", reqs[0].body["channel"])
	assert.Equal(t, defaultSlackUsername, reqs[0].body["username"])
}

func TestNotifierTelegram(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK, `{"ok":true}`)
	n := NewReportNotifier()
	n.telegramURL = srv.URL

	results := n.Send(context.Background(), &types.ReportConfig{
		Template: "done",
		Channels: []types.ReportChannel{{
			Type:   "telegram",
			Config: map[string]any{"bot_token": "123:abc", "chat_ids": []any{"42", 7}},
		}},
	}, nil)

	assert.True(t, results["telegram_0"].Success)
	assert.Equal(t, "Telegram messages: sent to 42, sent to 7", results["telegram_0"].Message)

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/bot123:abc/sendMessage", reqs[0].path)
	assert.Equal(t, "42", reqs[0].body["chat_id"])
	assert.Equal(t, "Markdown", reqs[0].body["parse_mode"])
	assert.Equal(t, "7", reqs[1].body["chat_id"])
}

func TestNotifierEmail(t *testing.T) {
	n := NewReportNotifier()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	results := n.Send(context.Background(), &types.ReportConfig{
		Subject:  "Run {run}",
		Template: "all good",
		Channels: []types.ReportChannel{{
			Type: "email",
			Config: map[string]any{
				"smtp_server": "mail.example.com",
				"from_email":  "bot@example.com",
				"to_emails":   []any{"a@example.com", "b@example.com"},
			},
		}},
	}, map[string]any{"run": "7"})

	assert.True(t, results["email_0"].Success)
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "bot@example.com", gotFrom)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Run 7\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\nall good"))
}

func TestNotifierReportsEachChannelIndependently(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError, "nope")
	n := NewReportNotifier()
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	results := n.Send(context.Background(), &types.ReportConfig{
		Channels: []types.ReportChannel{
			{Type: "slack", Config: map[string]any{"webhook_url": srv.URL}},
			{Type: "email", Config: map[string]any{"smtp_server": "x", "from_email": "f@x", "to_emails": []any{"t@x"}}},
			{Type: "pager"},
			{Type: "telegram", Config: map[string]any{}},
		},
	}, nil)

	require.Len(t, results, 4)
	assert.Contains(t, results["slack_0"].Error, "status 500")
	assert.Contains(t, results["email_1"].Error, "connection refused")
	assert.Contains(t, results["pager_2"].Error, "unknown channel type: pager")
	assert.Contains(t, results["telegram_3"].Error, "bot_token and chat_ids are required")
	for _, r := range results {
		assert.False(t, r.Success)
	}
}
