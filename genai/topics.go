package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// CheckTopic reports whether a topic belongs to the configured subject.
// Low temperature keeps the yes/no answer deterministic. When the check
// itself fails the topic is assumed relevant so that a flaky service
// never blocks a legitimate question.
func (c *Client) CheckTopic(ctx context.Context, topic string) (bool, error) {
	prompt := fmt.Sprintf("Determine whether the following request relates to %s:\n\n%q\n\nAnswer only \"yes\" or \"no\".", c.cfg.Subject, topic)
	res, err := c.Generate(ctx, Request{
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err != nil {
		c.log.Error("topic check for %q failed: %s", topic, err)
		return true, err
	}
	answer := strings.ToLower(strings.TrimSpace(res.Text))
	return strings.Contains(answer, "yes") || strings.Contains(answer, "да"), nil
}

// TopicSummary returns structured factual content about a topic:
// chronology, key figures, main events, causes and consequences.
func (c *Client) TopicSummary(ctx context.Context, topic string) (string, error) {
	prompt := fmt.Sprintf(`Provide accurate information about the following topic from %s: %q.

Structure the answer as:
1. Chronological frame of the event or period
2. Key figures and their roles
3. Main stages and events
4. Causes and preconditions
5. Consequences and significance

Use only verified facts, avoid personal interpretation, keep it under 800 words.`, c.cfg.Subject, topic)

	res, err := c.Generate(ctx, Request{
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Quiz is a generated multiple-choice test.
type Quiz struct {
	Title     string     `json:"title" msgpack:"title"`
	Questions []Question `json:"questions" msgpack:"questions"`
}

// Question is one quiz item with exactly one correct option.
type Question struct {
	Text          string   `json:"text" msgpack:"text"`
	Options       []string `json:"options" msgpack:"options"`
	CorrectAnswer int      `json:"correct_answer" msgpack:"correct_answer"`
	Explanation   string   `json:"explanation" msgpack:"explanation"`
}

// GenerateQuiz asks the model for a five-question quiz on the topic and
// parses the JSON out of the completion. Higher temperature gives
// question variety; the parsed quiz is validated before it is returned.
func (c *Client) GenerateQuiz(ctx context.Context, topic string) (Quiz, error) {
	prompt := fmt.Sprintf(`Create a quiz on the following topic from %s: %q.

Respond with JSON of this exact shape:
{
  "title": "Quiz title",
  "questions": [
    {
      "text": "Question text",
      "options": ["Option A", "Option B", "Option C", "Option D"],
      "correct_answer": 0,
      "explanation": "Why this answer is correct"
    }
  ]
}

Create exactly 5 questions. correct_answer is an index from 0 to 3.
Vary the difficulty and cover different aspects of the topic.`, c.cfg.Subject, topic)

	res, err := c.Generate(ctx, Request{
		Prompt:      prompt,
		Temperature: 0.7,
		MaxTokens:   2048,
	})
	if err != nil {
		return Quiz{}, err
	}
	quiz, err := parseQuiz(res.Text)
	if err != nil {
		return Quiz{}, errors.Wrapf(err, "quiz for %q", topic)
	}
	return quiz, nil
}

// parseQuiz extracts the outermost JSON object from a completion, which
// may be wrapped in prose or a markdown fence, and validates it.
func parseQuiz(text string) (Quiz, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Quiz{}, errors.New("no JSON object in completion")
	}
	var quiz Quiz
	if err := json.Unmarshal([]byte(text[start:end+1]), &quiz); err != nil {
		return Quiz{}, errors.Wrap(err, "decoding quiz")
	}
	if len(quiz.Questions) == 0 {
		return Quiz{}, errors.New("quiz has no questions")
	}
	for i, q := range quiz.Questions {
		if len(q.Options) < 2 {
			return Quiz{}, errors.Newf("question %d has %d options", i+1, len(q.Options))
		}
		if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
			return Quiz{}, errors.Newf("question %d has correct_answer %d out of range", i+1, q.CorrectAnswer)
		}
	}
	return quiz, nil
}
