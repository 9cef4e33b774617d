package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/pkg/errors"
)

// Client exports address metrics snapshots into an elasticsearch index for
// dashboards. Export is best effort and never on the query path.
type Client struct {
	esClient  *elasticsearch.Client
	indexName string
}

func NewClient(esClient *elasticsearch.Client, indexName string) *Client {
	return &Client{
		esClient:  esClient,
		indexName: indexName,
	}
}

// IndexAddressMetrics bulk indexes all rows of one metrics run. Document id
// is "<run id>-<address>" so re-exporting a run replaces its documents.
func (c *Client) IndexAddressMetrics(ctx context.Context, rows []domain.AddressMetrics) error {
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.indexName,
		Client:     c.esClient,
		NumWorkers: min(runtime.NumCPU(), 8),
	})
	if err != nil {
		return errors.Wrap(err, "creating bulk indexer")
	}

	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return errors.Wrapf(err, "marshalling metrics for address [%s]", row.Address)
		}
		item := esutil.BulkIndexerItem{
			Action:     "index", // creates or replaces
			DocumentID: fmt.Sprintf("%s-%s", row.RunID, row.Address),
			Body:       bytes.NewReader(payload),
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					log.Printf("Error indexing document [%s]: %v", item.DocumentID, err)
				} else {
					log.Printf("Error indexing document [%s]: [%s: %s]", item.DocumentID, res.Error.Type, res.Error.Reason)
				}
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return errors.Wrap(err, "adding bulk indexer item")
		}
	}

	if err := bi.Close(ctx); err != nil {
		return errors.Wrap(err, "closing bulk indexer")
	}

	stats := bi.Stats()
	if stats.NumFailed > 0 {
		return errors.Errorf("%d errors indexing [%d] documents", stats.NumFailed, stats.NumFlushed)
	}
	log.Printf("Indexed [%d] address metrics documents.", stats.NumFlushed)
	return nil
}
