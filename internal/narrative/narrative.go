// Package narrative writes a short plain-English summary of recent training
// runs for the monitoring dashboard.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
)

const (
	service = "openai"

	DefaultModel = "gpt-4o-mini"
)

// ErrDisabled is returned by Summarize when no API key is configured.
var ErrDisabled = errors.New("narrative summaries disabled")

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Summarizer struct {
	client  openai.Client
	model   string
	enabled bool
	log     logrus.FieldLogger
}

// New returns a summarizer. Without an API key it is disabled and makes no
// requests.
func New(cfg Config, log logrus.FieldLogger) *Summarizer {
	s := &Summarizer{model: cfg.Model, log: log, enabled: cfg.APIKey != ""}
	if s.model == "" {
		s.model = DefaultModel
	}
	if !s.enabled {
		return s
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	s.client = openai.NewClient(opts...)
	return s
}

func (s *Summarizer) Enabled() bool { return s != nil && s.enabled }

// Summarize asks the model to describe the MAE trend across runs.
func (s *Summarizer) Summarize(ctx context.Context, experiment string, runs []models.RunRecord) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("%w: no runs to summarise", models.ErrEmptyInput)
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(BuildPrompt(experiment, runs)),
		},
	})
	metrics.ObserveExternal(service, "summarize", err)
	if err != nil {
		return "", models.External(service, "summarize", err)
	}
	if len(resp.Choices) == 0 {
		return "", models.External(service, "summarize", errors.New("no choices returned"))
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	s.log.WithFields(logrus.Fields{"experiment": experiment, "runs": len(runs)}).Debug("generated run summary")
	return text, nil
}

const systemPrompt = "You review hourly bike-share demand forecasting experiments. " +
	"Reply with two or three plain sentences for an operations dashboard. " +
	"Mention whether mean absolute error is improving or degrading and call out failed runs."

// BuildPrompt lists runs oldest first with their status and MAE.
func BuildPrompt(experiment string, runs []models.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment %q, %d most recent runs (oldest first):\n", experiment, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		fmt.Fprintf(&b, "- %s %s", r.StartTime.UTC().Format(time.RFC3339), r.Status)
		if mae, ok := r.Metric("mae"); ok {
			fmt.Fprintf(&b, " mae=%.3f", mae)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, " error=%q", r.Error)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
