package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

// ElasticConfig configures the Elasticsearch backend.
type ElasticConfig struct {
	// Addresses lists cluster nodes. Default ["http://localhost:9200"].
	Addresses []string `mapstructure:"addresses" json:"addresses"`
	Username  string   `mapstructure:"username" json:"username"`
	Password  string   `mapstructure:"password" json:"password"`
	// EventsIndex receives event documents. Default "siemlite-events".
	EventsIndex string `mapstructure:"events_index" json:"events_index"`
	// AlertsIndex receives alert documents. Default "siemlite-alerts".
	AlertsIndex string `mapstructure:"alerts_index" json:"alerts_index"`
}

// ElasticStore implements Store with the bulk API. Documents are written
// with the create action and the pipeline event ID as document ID, so a
// replayed batch collides instead of silently duplicating. Bulk writes run
// through the same circuit breaker as the SQL backends.
type ElasticStore struct {
	logger      *zap.Logger
	client      *elasticsearch.Client
	breaker     *gobreaker.CircuitBreaker
	eventsIndex string
	alertsIndex string
}

type eventDoc struct {
	*event.ParsedEvent
	IndexedAt time.Time `json:"indexed_at"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// NewElasticStore connects to the cluster and verifies it responds.
func NewElasticStore(logger *zap.Logger, config ElasticConfig) (*ElasticStore, error) {
	if len(config.Addresses) == 0 {
		config.Addresses = []string{"http://localhost:9200"}
	}
	if config.EventsIndex == "" {
		config.EventsIndex = "siemlite-events"
	}
	if config.AlertsIndex == "" {
		config.AlertsIndex = "siemlite-alerts"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     config.Addresses,
		Username:      config.Username,
		Password:      config.Password,
		RetryOnStatus: []int{502, 503, 504},
		MaxRetries:    3,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create elasticsearch client")
	}

	res, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "ping elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("elasticsearch info: %s", res.String())
	}

	componentLogger := logger.With(zap.String("component", "storage"), zap.String("backend", BackendElasticsearch))
	componentLogger.Info("Elasticsearch store ready",
		zap.Strings("addresses", config.Addresses),
		zap.String("events_index", config.EventsIndex),
		zap.String("alerts_index", config.AlertsIndex),
	)
	return &ElasticStore{
		logger:      componentLogger,
		client:      client,
		breaker:     newStoreBreaker(componentLogger, BackendElasticsearch),
		eventsIndex: config.EventsIndex,
		alertsIndex: config.AlertsIndex,
	}, nil
}

// WriteEvents bulk-creates one batch of event documents.
func (s *ElasticStore) WriteEvents(ctx context.Context, events []*event.ParsedEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	var buf bytes.Buffer
	for _, ev := range events {
		doc, err := json.Marshal(eventDoc{ParsedEvent: ev, IndexedAt: now})
		if err != nil {
			return errors.Wrapf(err, "marshal event %d", ev.ID)
		}
		fmt.Fprintf(&buf, `{"create":{"_index":%q,"_id":"%d"}}`+"\n", s.eventsIndex, ev.ID)
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.bulk(ctx, &buf)
	})
	if err != nil {
		return errors.Wrapf(err, "elasticsearch: write %d events", len(events))
	}
	s.logger.Debug("Event batch indexed", zap.Int("events", len(events)))
	return nil
}

// WriteAlerts bulk-creates one batch of alert documents.
func (s *ElasticStore) WriteAlerts(ctx context.Context, alerts []*event.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, alert := range alerts {
		doc, err := json.Marshal(alert)
		if err != nil {
			return errors.Wrapf(err, "marshal alert %s", alert.ID)
		}
		fmt.Fprintf(&buf, `{"create":{"_index":%q,"_id":%q}}`+"\n", s.alertsIndex, alert.ID)
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.bulk(ctx, &buf)
	})
	if err != nil {
		return errors.Wrapf(err, "elasticsearch: write %d alerts", len(alerts))
	}
	s.logger.Debug("Alert batch indexed", zap.Int("alerts", len(alerts)))
	return nil
}

// bulk sends one ndjson payload and fails on the first rejected item.
func (s *ElasticStore) bulk(ctx context.Context, body *bytes.Buffer) error {
	req := esapi.BulkRequest{Body: bytes.NewReader(body.Bytes())}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "bulk request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("bulk request rejected: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return errors.Wrap(err, "decode bulk response")
	}
	if parsed.Errors {
		for _, item := range parsed.Items {
			for action, result := range item {
				if result.Status >= 300 {
					return errors.Errorf("bulk %s failed: status %d, %s: %s",
						action, result.Status, result.Error.Type, result.Error.Reason)
				}
			}
		}
		return errors.New("bulk response reported errors")
	}
	return nil
}

// Close releases nothing; the underlying transport pools per process.
func (s *ElasticStore) Close() error {
	s.logger.Info("Store closed")
	return nil
}
