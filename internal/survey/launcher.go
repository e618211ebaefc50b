package survey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-assistant/internal/telegram"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// GeneralSurvey is the survey id used when a message carries none; it asks
// the patient what information they are missing.
const GeneralSurvey int64 = -1

const defaultPrompt = "Please reply with your answer or pick one from the menu."

const activeKeyPrefix = "survey:active:"

type textSender interface {
	SendText(ctx context.Context, chatID int64, text string) (*telegram.SentMessage, error)
}

// Launcher starts a survey conversation: it marks the survey active for the
// patient so the chat front end routes the next replies into it, then sends
// the opening prompt.
type Launcher struct {
	redis  *redis.Client
	sender textSender
	ttl    time.Duration
	logger *logging.Logger
}

func NewLauncher(client *redis.Client, sender textSender, ttl time.Duration, logger *logging.Logger) *Launcher {
	if client == nil {
		panic("survey: redis client cannot be nil")
	}
	if sender == nil {
		panic("survey: sender cannot be nil")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Launcher{redis: client, sender: sender, ttl: ttl, logger: logger}
}

// Launch activates surveyID for the recipient and sends prompt (or a default).
func (l *Launcher) Launch(ctx context.Context, recipientID int64, surveyID *int64, prompt string) error {
	id := GeneralSurvey
	if surveyID != nil && *surveyID > 0 {
		id = *surveyID
	}
	key := activeKeyPrefix + strconv.FormatInt(recipientID, 10)
	if err := l.redis.Set(ctx, key, id, l.ttl).Err(); err != nil {
		return fmt.Errorf("survey: activate %d for %d: %w", id, recipientID, err)
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultPrompt
	}
	if _, err := l.sender.SendText(ctx, recipientID, prompt); err != nil {
		return fmt.Errorf("survey: send prompt: %w", err)
	}
	l.logger.Info("survey: launched", "recipient_id", recipientID, "survey_id", id)
	return nil
}

// Active returns the survey currently open for the recipient.
func (l *Launcher) Active(ctx context.Context, recipientID int64) (int64, bool, error) {
	id, err := l.redis.Get(ctx, activeKeyPrefix+strconv.FormatInt(recipientID, 10)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("survey: active for %d: %w", recipientID, err)
	}
	return id, true, nil
}

// Complete closes the recipient's open survey.
func (l *Launcher) Complete(ctx context.Context, recipientID int64) error {
	if err := l.redis.Del(ctx, activeKeyPrefix+strconv.FormatInt(recipientID, 10)).Err(); err != nil {
		return fmt.Errorf("survey: complete for %d: %w", recipientID, err)
	}
	return nil
}
