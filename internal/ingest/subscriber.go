package ingest

import (
	"fmt"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/google/uuid"

	"github.com/aika-project/aika/internal/metrics"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/tagstore"
	natsclient "github.com/aika-project/aika/pkg/nats"
)

// WriteFunc is the Historian entrypoint samples are handed to once
// decoded. Historian.WriteTagValues satisfies this.
type WriteFunc func(tagID uuid.UUID, samples []model.Value) (tagstore.WriteResult, error)

// Subscriber bridges a NATS subject tree to the write path: one
// subscription on subjectPrefix+".>" accepts line-protocol batches,
// decodes them against the Tag Registry, and forwards each tag's samples
// in order.
type Subscriber struct {
	client  *natsclient.Client
	lookup  TagResolver
	write   WriteFunc
	metrics *metrics.Recorder
	subject string
}

// NewSubscriber builds a Subscriber. lookup resolves a line-protocol
// measurement name to the tag it addresses (registry.GetByName is the
// expected argument); rec may be nil.
func NewSubscriber(client *natsclient.Client, subjectPrefix string, lookup TagResolver, write WriteFunc, rec *metrics.Recorder) *Subscriber {
	return &Subscriber{
		client:  client,
		lookup:  lookup,
		write:   write,
		metrics: rec,
		subject: subjectPrefix + ".>",
	}
}

// Start subscribes to the ingestion subject tree. It returns once the
// subscription is registered; message handling happens on NATS's own
// dispatch goroutines.
func (s *Subscriber) Start() error {
	if err := s.client.Subscribe(s.subject, s.handle); err != nil {
		return fmt.Errorf("ingest: subscribe to %q: %w", s.subject, err)
	}
	return nil
}

func (s *Subscriber) handle(_ string, data []byte) {
	result := DecodeBatch(data, s.lookup)

	for reason, n := range result.Dropped {
		for range n {
			s.metrics.RecordDroppedPoint(reason)
		}
		cclog.Warnf("ingest: dropped %d point(s): %s", n, reason)
	}

	for tagID, samples := range result.Samples {
		if _, err := s.write(tagID, samples); err != nil {
			cclog.Errorf("ingest: write tag %s: %v", tagID, err)
			s.metrics.RecordRejectN(tagID, "ingest-write-error", len(samples))
		}
	}
}
