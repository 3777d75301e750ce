package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	logx "xjedubot/pkg/logx"
)

// Classification is the model's judgment of one notice.
type Classification struct {
	IsRegistration bool   `json:"is_registration"`
	StartDate      string `json:"start_date"` // "2006-01-02" or empty
	EndDate        string `json:"end_date"`
}

// NoticeClassifier decides whether a notice announces a registration
// window and extracts its dates. Optional capability: a nil classifier
// means events go out unenriched.
type NoticeClassifier interface {
	Classify(ctx context.Context, title, body string) (Classification, error)
}

const classifyPrompt = `You decide whether a school notice announces a registration or sign-up window.
Reply with ONLY a JSON object, no prose, no code fences:
{"is_registration": true|false, "start_date": "YYYY-MM-DD" or "", "end_date": "YYYY-MM-DD" or ""}
Leave a date empty when the notice does not state it.`

type Classifier struct {
	client  openai.Client
	model   string
	timeout time.Duration
	log     logx.Logger
}

type ClassifierOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func NewClassifier(opt ClassifierOptions, log logx.Logger) *Classifier {
	options := []option.RequestOption{}
	if opt.APIKey != "" {
		options = append(options, option.WithAPIKey(opt.APIKey))
	}
	if opt.BaseURL != "" {
		options = append(options, option.WithBaseURL(opt.BaseURL))
	}
	model := opt.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Classifier{client: openai.NewClient(options...), model: model, timeout: timeout, log: log}
}

func (c *Classifier) Classify(ctx context.Context, title, body string) (Classification, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content := title
	if body != "" {
		content = title + "\n\n" + truncateRunes(body, 2000)
	}

	resp, err := c.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifyPrompt),
			openai.UserMessage(content),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return Classification{}, err
	}
	if len(resp.Choices) == 0 {
		return Classification{}, fmt.Errorf("classify: empty response")
	}
	return parseClassification(resp.Choices[0].Message.Content)
}

// parseClassification tolerates models that wrap the JSON in code fences
// or add prose despite instructions.
func parseClassification(raw string) (Classification, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var cls Classification
	if err := json.Unmarshal([]byte(s), &cls); err != nil {
		return Classification{}, fmt.Errorf("classify: bad model output: %w", err)
	}
	return cls, nil
}
