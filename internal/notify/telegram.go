package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"phatnguoi-service/internal/domain/violation"
)

// ChatResolver maps an internal user id to the chat identity the bot
// platform expects.
type ChatResolver func(ctx context.Context, userID int64) (string, error)

// TelegramNotifier delivers new-violation alerts through the Telegram
// Bot API sendMessage call. The conversational bot itself lives outside
// this service; only the outbound message matters here.
type TelegramNotifier struct {
	apiURL  string
	token   string
	resolve ChatResolver
	http    *http.Client
	log     zerolog.Logger
}

const defaultTelegramAPI = "https://api.telegram.org"

func NewTelegramNotifier(token string, resolve ChatResolver, log zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL:  defaultTelegramAPI,
		token:   token,
		resolve: resolve,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// WithAPIURL points the notifier at a different endpoint (tests).
func (n *TelegramNotifier) WithAPIURL(u string) *TelegramNotifier {
	n.apiURL = strings.TrimRight(u, "/")
	return n
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (n *TelegramNotifier) NotifyNewViolations(ctx context.Context, job violation.CronJob, diff violation.Diff, data *violation.LookupData) error {
	chatID, err := n.resolve(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("resolve chat id for user %d: %w", job.UserID, err)
	}
	text := formatMessage(job, diff, data)

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, string(body))
	}
	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram error: %s", tr.Description)
	}

	n.log.Info().Int64("job_id", job.ID).Str("plate", job.Plate).Int("added", len(diff.Added)).Msg("sent new-violation notification")
	return nil
}

func formatMessage(job violation.CronJob, diff violation.Diff, data *violation.LookupData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Biển số %s: %d vi phạm mới\n", job.Plate, len(diff.Added))
	for _, v := range diff.Added {
		fmt.Fprintf(&b, "- %s | %s | %s\n", v.Time, v.Location, v.Behavior)
	}
	fmt.Fprintf(&b, "Tổng: %d (chưa xử phạt: %d)", data.TotalViolations, data.TotalUnpaidViolations)
	return b.String()
}

// NopNotifier discards notifications; used when no bot token is
// configured and in tests.
type NopNotifier struct{}

func (NopNotifier) NotifyNewViolations(context.Context, violation.CronJob, violation.Diff, *violation.LookupData) error {
	return nil
}
