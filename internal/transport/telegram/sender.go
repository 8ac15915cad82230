// Package telegram sends operator log lines to a Telegram chat. It never
// polls for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token string
	// APIURL overrides the Bot API base URL.
	APIURL  string
	Timeout time.Duration
}

// Sender implements logx.Sender on a send-only bot.
type Sender struct {
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

// SendText posts text to chatID, split into chunks under the message size
// limit. threadID targets a forum topic when non-zero.
func (s *Sender) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
