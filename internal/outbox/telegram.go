package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAdapter sends text replies through the Bot API. The response
// context carries the destination as {"chat_id": ...}.
type TelegramAdapter struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint; it keeps the two %s verbs.
	Endpoint string
	Client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramAdapter(token string) *TelegramAdapter {
	return &TelegramAdapter{Token: token}
}

// client connects on first use so a bad token does not block startup; a
// failed connect is retried on the next delivery.
func (a *TelegramAdapter) client() (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	endpoint := a.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	hc := a.Client
	if hc == nil {
		hc = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(a.Token, endpoint, hc)
	if err != nil {
		return nil, classifyTelegram(fmt.Errorf("connect telegram bot: %w", err))
	}
	a.bot = bot
	return bot, nil
}

func (a *TelegramAdapter) Deliver(ctx context.Context, e *Effect) (string, error) {
	chatID, err := telegramChatID(e.ResponseContext)
	if err != nil {
		return "", &PermanentError{Err: err}
	}
	text, err := payloadText(e)
	if err != nil {
		return "", err
	}
	bot, err := a.client()
	if err != nil {
		return "", err
	}

	type result struct {
		msg tgbotapi.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := bot.Send(tgbotapi.NewMessage(chatID, text))
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", classifyTelegram(fmt.Errorf("send telegram message: %w", r.err))
		}
		return "telegram:" + strconv.Itoa(r.msg.MessageID), nil
	}
}

// classifyTelegram marks rejections the Bot API will repeat forever
// (bad request, blocked bot, bad token) as permanent.
func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return &PermanentError{Err: err}
		}
	}
	return err
}

func telegramChatID(responseContext string) (int64, error) {
	var rc struct {
		ChatID json.Number `json:"chat_id"`
	}
	dec := json.NewDecoder(strings.NewReader(responseContext))
	dec.UseNumber()
	if err := dec.Decode(&rc); err != nil {
		return 0, fmt.Errorf("decode response context: %w", err)
	}
	if rc.ChatID == "" {
		return 0, fmt.Errorf("response context has no chat_id")
	}
	id, err := strconv.ParseInt(rc.ChatID.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat_id %q is not an integer: %w", rc.ChatID, err)
	}
	return id, nil
}
