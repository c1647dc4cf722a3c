// Package publish pushes fresh predictions to Redis so dashboards and other
// consumers can pick them up without reading the feature store.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
)

const (
	service = "redis"

	DefaultChannel   = "bikecast:predictions"
	DefaultLatestKey = "bikecast:latest"
)

type Config struct {
	URL       string
	Channel   string
	LatestKey string
}

// Message is the JSON payload published for each prediction.
type Message struct {
	Station        string    `json:"station"`
	Hour           time.Time `json:"hour"`
	Prediction     float64   `json:"prediction"`
	PredictionTime time.Time `json:"prediction_time"`
	Model          string    `json:"model,omitempty"`
	ModelVersion   int       `json:"model_version,omitempty"`
}

type Publisher struct {
	client    *redis.Client
	owned     bool
	channel   string
	latestKey string
	log       logrus.FieldLogger
}

// Connect parses cfg.URL and pings the server.
func Connect(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Publisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", models.ErrValidation, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, models.External(service, "ping", err)
	}
	p := New(client, cfg, log)
	p.owned = true
	return p, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *redis.Client, cfg Config, log logrus.FieldLogger) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.LatestKey == "" {
		cfg.LatestKey = DefaultLatestKey
	}
	return &Publisher{client: client, channel: cfg.Channel, latestKey: cfg.LatestKey, log: log}
}

func (p *Publisher) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}

// Publish sends one message per prediction and records it as the station's
// latest value. It returns how many were published; a failure stops at the
// first prediction that could not be sent.
func (p *Publisher) Publish(ctx context.Context, model string, version int, preds []models.ForecastResult) (int, error) {
	published := 0
	for _, r := range preds {
		data, err := json.Marshal(Message{
			Station:        r.StationID,
			Hour:           r.Hour.UTC(),
			Prediction:     r.Prediction,
			PredictionTime: r.PredictionTime.UTC(),
			Model:          model,
			ModelVersion:   version,
		})
		if err != nil {
			return published, fmt.Errorf("marshal prediction for %s: %w", r.StationID, err)
		}

		pipe := p.client.TxPipeline()
		pipe.Publish(ctx, p.channel, data)
		pipe.HSet(ctx, p.latestKey, r.StationID, data)
		_, err = pipe.Exec(ctx)
		metrics.ObserveExternal(service, "publish", err)
		if err != nil {
			return published, models.External(service, "publish", err)
		}
		metrics.PredictionsPublished.Inc()
		published++
	}
	p.log.WithFields(logrus.Fields{"channel": p.channel, "count": published}).Info("published predictions")
	return published, nil
}

// Latest returns the most recent published prediction for every station,
// sorted by station.
func (p *Publisher) Latest(ctx context.Context) ([]Message, error) {
	vals, err := p.client.HGetAll(ctx, p.latestKey).Result()
	metrics.ObserveExternal(service, "latest", err)
	if err != nil {
		return nil, models.External(service, "latest", err)
	}
	out := make([]Message, 0, len(vals))
	for station, raw := range vals {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			p.log.WithError(err).WithField("station", station).Warn("skipping malformed latest entry")
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Station < out[j].Station })
	return out, nil
}
