package builtin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/jwt"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/pkg/models"
)

const (
	// EnvGmailKeyPath names the service-account key file. When unset, the
	// send_email tool reports its integration as disabled instead of
	// failing the call.
	EnvGmailKeyPath = "GMAIL_SA_KEY_PATH"

	// EnvGmailSender names the mailbox the service account impersonates.
	EnvGmailSender = "GMAIL_SENDER"

	gmailSendScope    = "https://www.googleapis.com/auth/gmail.send"
	gmailSendEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
)

// SendEmailArgs are the arguments the model supplies for send_email.
type SendEmailArgs struct {
	To      string `json:"to" jsonschema:"description=Recipient email address"`
	Subject string `json:"subject" jsonschema:"description=Subject line"`
	Body    string `json:"body" jsonschema:"description=Plain-text message body"`
}

// EmailSender delivers a single plain-text email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// GmailSender sends mail through the Gmail REST API using a service-account
// token source that impersonates the configured mailbox.
type GmailSender struct {
	client   *http.Client
	sender   string
	endpoint string
}

type serviceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// NewGmailSender builds a sender from a service-account key file. The sender
// address is the mailbox to impersonate and appears as the From header.
func NewGmailSender(keyPath, sender string) (*GmailSender, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}

	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account key missing client_email or private_key")
	}
	if sender == "" {
		return nil, fmt.Errorf("sender mailbox is required (set %s)", EnvGmailSender)
	}

	cfg := &jwt.Config{
		Email:        key.ClientEmail,
		PrivateKey:   []byte(key.PrivateKey),
		PrivateKeyID: key.PrivateKeyID,
		Scopes:       []string{gmailSendScope},
		TokenURL:     key.TokenURI,
		Subject:      sender,
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = googleTokenURL
	}

	client := cfg.Client(context.Background())
	client.Timeout = 30 * time.Second

	return &GmailSender{
		client:   client,
		sender:   sender,
		endpoint: gmailSendEndpoint,
	}, nil
}

// Send delivers one plain-text message.
func (g *GmailSender) Send(ctx context.Context, to, subject, body string) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", g.sender)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	payload, err := json.Marshal(map[string]string{
		"raw": base64.RawURLEncoding.EncodeToString(msg.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if err != nil {
			detail = []byte("(failed to read response body)")
		}
		return fmt.Errorf("gmail API error %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

// sendEmailTool lazily initializes its sender so a deployment without Gmail
// credentials still registers the tool and answers invocations with the
// disabled payload.
type sendEmailTool struct {
	logger *observability.Logger

	mu       sync.Mutex
	sender   EmailSender
	resolved bool
	initErr  error

	newSender func() (EmailSender, error) // For testing
}

// SendEmail returns the send_email tool spec. Credentials are resolved on
// first invocation from GMAIL_SA_KEY_PATH and GMAIL_SENDER.
func SendEmail(logger *observability.Logger) tools.Spec {
	t := &sendEmailTool{logger: logger}
	t.newSender = t.senderFromEnv
	return t.spec()
}

func (t *sendEmailTool) spec() tools.Spec {
	return tools.Spec{
		Name:        "send_email",
		Description: "Send a plain-text email to a single recipient. Use when the caller asks to email someone a summary, note, or follow-up.",
		PromptBlurb: "You can send emails with the send_email tool. Confirm the recipient and content out loud before sending.",
		Args:        SendEmailArgs{},
		Timeout:     30 * time.Second,
		Narration:   "One moment.",
		Handler:     t.handle,
	}
}

func (t *sendEmailTool) senderFromEnv() (EmailSender, error) {
	keyPath := os.Getenv(EnvGmailKeyPath)
	if keyPath == "" {
		return nil, tools.Disabled("send_email", EnvGmailKeyPath+" is not set")
	}
	return NewGmailSender(keyPath, os.Getenv(EnvGmailSender))
}

func (t *sendEmailTool) resolveSender() (EmailSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return t.sender, t.initErr
	}
	sender, err := t.newSender()
	if toolErr, ok := tools.AsError(err); ok && toolErr.Type == tools.ErrorDisabled {
		// Not cached, so setting the key path takes effect without a restart.
		return nil, err
	}
	t.sender, t.initErr = sender, err
	t.resolved = true
	return t.sender, t.initErr
}

func (t *sendEmailTool) handle(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args SendEmailArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	to := strings.TrimSpace(args.To)
	if !strings.Contains(to, "@") {
		return nil, tools.InvalidArgs("send_email", "recipient is not a valid email address")
	}

	if profile, ok := tools.ProfileFromContext(ctx); ok {
		if !recipientAllowed(profile.RecipientPolicy, to) {
			t.logger.Warn(ctx, "send_email recipient rejected by greenlist", "to", to)
			return nil, tools.InvalidArgs("send_email", "recipient is not on the allowed list")
		}
	}

	sender, err := t.resolveSender()
	if err != nil {
		return nil, err
	}

	if err := sender.Send(ctx, to, args.Subject, args.Body); err != nil {
		return nil, err
	}

	t.logger.Info(ctx, "email sent", "to", to, "subject", args.Subject)
	out, err := json.Marshal(map[string]any{"ok": true, "to": to})
	if err != nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return out, nil
}

// recipientAllowed applies the per-agent recipient greenlist. Patterns are
// either full addresses or "*@domain" suffix matches; an enforced policy
// with no patterns allows nothing.
func recipientAllowed(policy models.RecipientPolicy, addr string) bool {
	if !policy.Enforced {
		return true
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, pattern := range policy.Patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*@") {
			if strings.HasSuffix(addr, p[1:]) {
				return true
			}
			continue
		}
		if addr == p {
			return true
		}
	}
	return false
}
