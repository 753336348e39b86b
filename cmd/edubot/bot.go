package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edubot/edubot/analytics"
	"github.com/edubot/edubot/genai"
	"github.com/edubot/edubot/logger"
	"github.com/edubot/edubot/telegram"
)

const pollTimeoutSeconds = 25

// bot is the long-polling message loop. All outbound traffic goes
// through the clients' dispatchers; the loop itself only polls.
type bot struct {
	tg     *telegram.Client
	gen    *genai.Client
	events *analytics.Store
	log    logger.Logger
}

func (b *bot) run(ctx context.Context) {
	offset := 0
	for {
		updates, err := b.tg.GetUpdates(ctx, offset, pollTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("poll failed, retrying: %s", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			b.handle(ctx, update.Message)
		}
	}
}

func (b *bot) handle(ctx context.Context, msg *telegram.IncomingMessage) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	switch {
	case text == "/start":
		b.track(ctx, msg.From.ID, "start", nil)
		b.reply(ctx, chatID, "Hi! Send me a topic from Russian history and I will tell you about it. Use /quiz <topic> for a test, /clean to tidy up the chat.")
	case strings.HasPrefix(text, "/quiz"):
		b.track(ctx, msg.From.ID, "quiz_start", map[string]any{"topic": strings.TrimSpace(strings.TrimPrefix(text, "/quiz"))})
		b.quiz(ctx, chatID, strings.TrimSpace(strings.TrimPrefix(text, "/quiz")))
	case text == "/clean":
		b.track(ctx, msg.From.ID, "clean", nil)
		deleted, err := b.tg.CleanChat(ctx, chatID)
		if err != nil {
			b.log.Warn("clean chat %d: %s", chatID, err)
		}
		b.reply(ctx, chatID, fmt.Sprintf("Removed %d messages.", deleted))
	default:
		b.track(ctx, msg.From.ID, "topic_request", map[string]any{"topic": text})
		b.topic(ctx, chatID, text)
	}
}

func (b *bot) topic(ctx context.Context, chatID int64, topic string) {
	relevant, err := b.gen.CheckTopic(ctx, topic)
	if err != nil {
		b.log.Warn("topic check failed for %q: %s", topic, err)
	}
	if !relevant {
		b.reply(ctx, chatID, "That does not look like a Russian history topic. Try something like \"Decembrist revolt\" or \"Peter the Great\".")
		return
	}

	// Placeholder message first; repeated questions are answered from
	// the cache almost instantly, fresh ones can take a while.
	placeholder, err := b.tg.SendMessage(ctx, chatID, "Looking that up...")
	if err != nil {
		b.log.Warn("send placeholder to %d: %s", chatID, err)
	}

	summary, err := b.gen.TopicSummary(ctx, topic)
	if err != nil {
		b.log.Error("summary for %q: %s", topic, err)
		b.reply(ctx, chatID, "Something went wrong fetching that topic, please try again.")
		return
	}
	if placeholder.MessageID != 0 {
		if err := b.tg.DeleteMessage(ctx, chatID, placeholder.MessageID); err != nil {
			b.log.Debug("delete placeholder: %s", err)
		}
	}
	if _, err := b.tg.SendLongMessage(ctx, chatID, summary); err != nil {
		b.log.Error("send summary to %d: %s", chatID, err)
	}
}

func (b *bot) quiz(ctx context.Context, chatID int64, topic string) {
	if topic == "" {
		b.reply(ctx, chatID, "Usage: /quiz <topic>")
		return
	}
	quiz, err := b.gen.GenerateQuiz(ctx, topic)
	if err != nil {
		b.log.Error("quiz for %q: %s", topic, err)
		b.reply(ctx, chatID, "Could not generate a quiz for that topic, please try again.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", quiz.Title)
	for i, q := range quiz.Questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q.Text)
		for j, opt := range q.Options {
			fmt.Fprintf(&sb, "   %c) %s\n", 'A'+j, opt)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Answers: ")
	for i, q := range quiz.Questions {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d-%c", i+1, 'A'+q.CorrectAnswer)
	}
	if _, err := b.tg.SendLongMessage(ctx, chatID, sb.String()); err != nil {
		b.log.Error("send quiz to %d: %s", chatID, err)
	}
}

func (b *bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.tg.SendMessage(ctx, chatID, text); err != nil {
		b.log.Warn("reply to %d: %s", chatID, err)
	}
}

func (b *bot) track(ctx context.Context, userID int64, activity string, details map[string]any) {
	if b.events == nil {
		return
	}
	if err := b.events.Track(ctx, userID, activity, details); err != nil {
		b.log.Debug("tracking %s: %s", activity, err)
	}
}
