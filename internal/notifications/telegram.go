package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/RoseOO/tapestream/internal/config"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyTapeChange      NotificationType = "tape_change"
	NotifyCleaning        NotificationType = "cleaning"
	NotifyBackupStart     NotificationType = "backup_start"
	NotifyBackupComplete  NotificationType = "backup_complete"
	NotifyBackupFailed    NotificationType = "backup_failed"
	NotifyRestoreComplete NotificationType = "restore_complete"
	NotifyRestoreFail     NotificationType = "restore_failed"
	NotifyDriveError      NotificationType = "drive_error"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  string                 `json:"priority"` // low, normal, high, urgent
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// TelegramService provides Telegram notification functionality
type TelegramService struct {
	config     config.TelegramConfig
	httpClient *http.Client
	apiBase    string
}

// NewTelegramService creates a new Telegram notification service
func NewTelegramService(cfg config.TelegramConfig) *TelegramService {
	return &TelegramService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		apiBase: "https://api.telegram.org",
	}
}

// IsEnabled returns true if Telegram notifications are enabled
func (s *TelegramService) IsEnabled() bool {
	return s.config.Enabled && s.config.BotToken != "" && s.config.ChatID != ""
}

// Notify sends a plain subject/body notification. It satisfies the
// notifier interface of the tape change protocol.
func (s *TelegramService) Notify(ctx context.Context, subject, body string) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyTapeChange,
		Title:     subject,
		Message:   body,
		Priority:  "high",
		Timestamp: time.Now(),
	})
}

// SendTestMessage sends a test notification via Telegram to verify the configuration
func (s *TelegramService) SendTestMessage(ctx context.Context) error {
	return s.Send(ctx, &Notification{
		Type:      "test",
		Title:     "Test Notification",
		Message:   "This is a test message from tapestream. Your Telegram notifications are working correctly!",
		Priority:  "normal",
		Timestamp: time.Now(),
	})
}

// Send sends a notification via Telegram
func (s *TelegramService) Send(ctx context.Context, notification *Notification) error {
	if !s.IsEnabled() {
		return nil
	}

	emoji := s.getEmoji(notification.Type, notification.Priority)
	formattedMessage := s.formatMessage(emoji, notification)

	return s.sendMessage(ctx, formattedMessage)
}

var typeEmoji = map[NotificationType]string{
	NotifyTapeChange:      "📼",
	NotifyCleaning:        "🧹",
	NotifyBackupStart:     "▶️",
	NotifyBackupComplete:  "✅",
	NotifyRestoreComplete: "✅",
	NotifyBackupFailed:    "❌",
	NotifyRestoreFail:     "❌",
	NotifyDriveError:      "🚨",
}

func (s *TelegramService) getEmoji(notifType NotificationType, priority string) string {
	if emoji, ok := typeEmoji[notifType]; ok {
		return emoji
	}
	if priority == "urgent" || priority == "high" {
		return "🔴"
	}
	return "📢"
}

// formatMessage renders a MarkdownV2 message: bold title, body, a
// Details section from the data map (keys in stable order), and a
// trailing timestamp line.
func (s *TelegramService) formatMessage(emoji string, notification *Notification) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s *%s*\n\n", emoji, escapeMarkdown(notification.Title))
	b.WriteString(escapeMarkdown(notification.Message))

	if len(notification.Data) > 0 {
		b.WriteString("\n\n*Details:*\n")
		keys := make([]string, 0, len(notification.Data))
		for k := range notification.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "• %s: `%v`\n", escapeMarkdown(k), notification.Data[k])
		}
	}

	fmt.Fprintf(&b, "\n\n_Sent at %s_", escapeMarkdown(notification.Timestamp.Format("2006-01-02 15:04:05")))
	return b.String()
}

// markdownEscaper covers every character MarkdownV2 treats as syntax.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
	"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
	">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
	".", "\\.", "!", "\\!",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendMessage posts one message to the bot API. Non-200 responses are
// surfaced with the API's own error description.
func (s *TelegramService) sendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:    s.config.ChatID,
		Text:      text,
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("telegram API error: %s", apiErr.Description)
	}
	return nil
}

// NotifyBackupStarted sends a backup start notification
func (s *TelegramService) NotifyBackupStarted(ctx context.Context, label, sourcePath string) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyBackupStart,
		Title:     "Backup Started",
		Message:   fmt.Sprintf("Backup '%s' has started.\n\nSource: %s", label, sourcePath),
		Priority:  "normal",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Label":  label,
			"Source": sourcePath,
		},
	})
}

// NotifyBackupCompleted sends a backup completion notification
func (s *TelegramService) NotifyBackupCompleted(ctx context.Context, label string, tapes []string, duration time.Duration) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyBackupComplete,
		Title:     "Backup Completed",
		Message:   fmt.Sprintf("Backup '%s' completed successfully.\n\nTapes: %s\nDuration: %s", label, strings.Join(tapes, ", "), duration.Round(time.Second)),
		Priority:  "normal",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Label":    label,
			"Tapes":    strings.Join(tapes, ", "),
			"Duration": duration.Round(time.Second).String(),
		},
	})
}

// NotifyBackupFailed sends a backup failure notification
func (s *TelegramService) NotifyBackupFailed(ctx context.Context, label string, errorMsg string) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyBackupFailed,
		Title:     "Backup Failed",
		Message:   fmt.Sprintf("Backup '%s' failed!\n\nError: %s\n\nPlease check the logs and tape status.", label, errorMsg),
		Priority:  "urgent",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Label": label,
			"Error": errorMsg,
		},
	})
}

// NotifyRestoreCompleted sends a restore completion notification
func (s *TelegramService) NotifyRestoreCompleted(ctx context.Context, label, destination string, duration time.Duration) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyRestoreComplete,
		Title:     "Restore Completed",
		Message:   fmt.Sprintf("Restore of '%s' completed.\n\nDestination: %s\nDuration: %s", label, destination, duration.Round(time.Second)),
		Priority:  "normal",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Label":       label,
			"Destination": destination,
		},
	})
}

// NotifyRestoreFailed sends a restore failure notification
func (s *TelegramService) NotifyRestoreFailed(ctx context.Context, label string, errorMsg string) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyRestoreFail,
		Title:     "Restore Failed",
		Message:   fmt.Sprintf("Restore of '%s' failed!\n\nError: %s\n\nPlease check the logs and tape status.", label, errorMsg),
		Priority:  "urgent",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Label": label,
			"Error": errorMsg,
		},
	})
}

// NotifyCleaningRequired sends a cleaning request notification
func (s *TelegramService) NotifyCleaningRequired(ctx context.Context, devicePath string) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyCleaning,
		Title:     "Drive Cleaning Required",
		Message:   fmt.Sprintf("The tape drive %s has raised its cleaning flag.\n\nInsert a cleaning cartridge.", devicePath),
		Priority:  "high",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Device": devicePath,
		},
	})
}

// NotifyDriveError sends a drive error notification
func (s *TelegramService) NotifyDriveError(ctx context.Context, devicePath string, errorMsg string) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyDriveError,
		Title:     "Drive Error",
		Message:   fmt.Sprintf("Tape drive error detected!\n\nDevice: %s\nError: %s\n\nPlease check the drive status.", devicePath, errorMsg),
		Priority:  "urgent",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Device": devicePath,
			"Error":  errorMsg,
		},
	})
}
