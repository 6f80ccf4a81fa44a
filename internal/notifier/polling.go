package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PollRetryDelay is how long polling waits after a failed getUpdates call.
var PollRetryDelay = 5 * time.Second

// CommandHandler answers a chat command such as /status. An empty reply
// sends nothing.
type CommandHandler func(command string) string

type chatMessage struct {
	Text string `json:"text"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

type telegramUpdate struct {
	UpdateID int          `json:"update_id"`
	Message  *chatMessage `json:"message"`
}

// StartPolling long-polls getUpdates and answers commands from the
// configured chat. Blocks until ctx is cancelled.
func (t *TelegramNotifier) StartPolling(ctx context.Context, handler CommandHandler) {
	client := &http.Client{Timeout: 35 * time.Second}
	if t.Client != nil && t.Client.Transport != nil {
		client.Transport = t.Client.Transport
	}

	offset := 0
	for ctx.Err() == nil {
		updates, err := t.fetchUpdates(ctx, client, offset)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("[WARN] telegram getUpdates: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(PollRetryDelay):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			t.dispatch(u.Message, handler)
		}
	}
	log.Println("[INFO] Telegram polling stopped")
}

func (t *TelegramNotifier) fetchUpdates(ctx context.Context, client *http.Client, offset int) ([]telegramUpdate, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("timeout", "30")
	q.Set("allowed_updates", `["message"]`)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool             `json:"ok"`
		Description string           `json:"description"`
		Result      []telegramUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		if result.Description == "" {
			result.Description = resp.Status
		}
		return nil, errors.New(result.Description)
	}
	return result.Result, nil
}

func (t *TelegramNotifier) dispatch(msg *chatMessage, handler CommandHandler) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	if chat := strconv.FormatInt(msg.Chat.ID, 10); chat != t.ChatID {
		log.Printf("[WARN] ignoring %s from chat %s", text, chat)
		return
	}
	log.Printf("[INFO] chat command: %s", text)
	if reply := handler(text); reply != "" {
		if err := t.Send(reply); err != nil {
			log.Printf("[ERROR] reply to %s: %v", text, err)
		}
	}
}
