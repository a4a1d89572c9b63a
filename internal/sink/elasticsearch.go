package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/pkg/types"
)

// ElasticsearchSink indexes alerts into a daily index for triage.
type ElasticsearchSink struct {
	index  string
	client *elasticsearch.Client
}

// NewElasticsearchSink creates an Elasticsearch sink.
func NewElasticsearchSink(cfg config.ElasticsearchSinkConfig) (*ElasticsearchSink, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no addresses specified")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &ElasticsearchSink{index: cfg.Index, client: client}, nil
}

func (s *ElasticsearchSink) Dispatch(ctx context.Context, alert *types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req := esapi.IndexRequest{
		Index: fmt.Sprintf("%s-%s", s.index, alert.LastSeen.Format("2006.01.02")),
		Body:  bytes.NewReader(data),
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to index alert: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}
	return nil
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }
