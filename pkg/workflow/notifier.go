package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/types"
)

const (
	telegramAPI          = "https://api.telegram.org"
	defaultSlackUsername = "Playground Bot"
	notifyTimeout        = 30 * time.Second
)

// ChannelResult is the outcome of delivering a report to one channel.
type ChannelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Notifier delivers a rendered report to every configured channel. Results
// are keyed "{type}_{index}".
type Notifier interface {
	Send(ctx context.Context, config *types.ReportConfig, vars map[string]any) map[string]ChannelResult
}

type EmailChannelConfig struct {
	SMTPServer   string   `json:"smtp_server"`
	SMTPPort     int      `json:"smtp_port"`
	SMTPUsername string   `json:"smtp_username"`
	SMTPPassword string   `json:"smtp_password"`
	FromEmail    string   `json:"from_email"`
	ToEmails     []string `json:"to_emails"`
	UseTLS       *bool    `json:"use_tls"`
}

type TelegramChannelConfig struct {
	BotToken string   `json:"bot_token"`
	ChatIDs  []string `json:"chat_ids"`
}

type SlackChannelConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
	Username   string `json:"username"`
}

// ReportNotifier sends reports over slack webhooks, the telegram bot API and
// SMTP.
type ReportNotifier struct {
	httpClient  *http.Client
	telegramURL string
	sendMail    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewReportNotifier() *ReportNotifier {
	return &ReportNotifier{
		httpClient:  &http.Client{Timeout: notifyTimeout},
		telegramURL: telegramAPI,
		sendMail:    smtp.SendMail,
	}
}

func (n *ReportNotifier) Send(ctx context.Context, config *types.ReportConfig, vars map[string]any) map[string]ChannelResult {
	subject := config.Subject
	if subject == "" {
		subject = "Report"
	}
	body := Render(config.Template, vars)
	subject = Render(subject, vars)

	results := make(map[string]ChannelResult, len(config.Channels))
	for i, channel := range config.Channels {
		key := fmt.Sprintf("%s_%d", channel.Type, i)

		var err error
		var message string
		switch channel.Type {
		case "slack":
			message, err = n.sendSlack(ctx, channel.Config, body)
		case "telegram":
			message, err = n.sendTelegram(ctx, channel.Config, body)
		case "email":
			message, err = n.sendEmail(channel.Config, subject, body)
		default:
			err = fmt.Errorf("unknown channel type: %s", channel.Type)
		}

		if err != nil {
			log.Warn().Err(err).Str("channel", key).Msg("report delivery failed")
			results[key] = ChannelResult{Error: fmt.Sprintf("failed to send report via %s: %v", channel.Type, err)}
			continue
		}

		log.Info().Str("channel", key).Msg("report delivered")
		results[key] = ChannelResult{Success: true, Message: message}
	}
	return results
}

func decodeChannelConfig(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid channel config: %w", err)
	}
	return nil
}

func (n *ReportNotifier) sendSlack(ctx context.Context, raw map[string]any, text string) (string, error) {
	var cfg SlackChannelConfig
	if err := decodeChannelConfig(raw, &cfg); err != nil {
		return "", err
	}
	if cfg.WebhookURL == "" {
		return "", fmt.Errorf("webhook_url is required")
	}

	payload := map[string]any{"text": text, "username": cfg.Username}
	if cfg.Username == "" {
		payload["username"] = defaultSlackUsername
	}
	if cfg.Channel != "" {
		payload["channel"] = cfg.Channel
	}

	if _, err := n.postJSON(ctx, cfg.WebhookURL, payload); err != nil {
		return "", err
	}
	return "Slack message sent successfully", nil
}

func (n *ReportNotifier) sendTelegram(ctx context.Context, raw map[string]any, text string) (string, error) {
	var cfg TelegramChannelConfig
	if err := decodeChannelConfig(raw, &cfg); err != nil {
		return "", err
	}
	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		return "", fmt.Errorf("bot_token and chat_ids are required")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramURL, cfg.BotToken)
	sent := make([]string, 0, len(cfg.ChatIDs))
	for _, chatId := range cfg.ChatIDs {
		data, err := n.postJSON(ctx, url, map[string]any{
			"chat_id":    chatId,
			"text":       text,
			"parse_mode": "Markdown",
		})
		if err != nil {
			return "", err
		}

		var resp struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(data, &resp); err == nil && !resp.OK {
			sent = append(sent, fmt.Sprintf("failed to send to %s: %s", chatId, resp.Description))
			continue
		}
		sent = append(sent, "sent to "+chatId)
	}
	return "Telegram messages: " + strings.Join(sent, ", "), nil
}

func (n *ReportNotifier) sendEmail(raw map[string]any, subject, body string) (string, error) {
	var cfg EmailChannelConfig
	if err := decodeChannelConfig(raw, &cfg); err != nil {
		return "", err
	}
	if cfg.SMTPServer == "" || cfg.FromEmail == "" || len(cfg.ToEmails) == 0 {
		return "", fmt.Errorf("smtp_server, from_email and to_emails are required")
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", cfg.FromEmail)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.ToEmails, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(body)

	// smtp.SendMail upgrades with STARTTLS whenever the server offers it.
	var auth smtp.Auth
	if cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPServer)
	}

	addr := net.JoinHostPort(cfg.SMTPServer, strconv.Itoa(cfg.SMTPPort))
	if err := n.sendMail(addr, auth, cfg.FromEmail, cfg.ToEmails, msg.Bytes()); err != nil {
		return "", err
	}
	return fmt.Sprintf("Email sent to %d recipients", len(cfg.ToEmails)), nil
}

func (n *ReportNotifier) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(buf.String()))
	}
	return buf.Bytes(), nil
}
