package workflow

import "github.com/dimfeld/chronicle-proxy/internal/logger"

// Ingester parses and forwards workflow events to the logger, the shape the
// /event and /events HTTP handlers call (grounded on api/src/proxy.rs's
// event-ingestion handler).
type Ingester struct {
	Logger *logger.Logger
}

// Handle parses one event body and submits it to the logger. A nil Logger
// is a no-op, matching Proxy.logEvent's behavior when logging is disabled.
func (i *Ingester) Handle(raw []byte, meta logger.RequestMetadata, internal logger.InternalMetadata) error {
	entry, err := Parse(raw, meta, internal)
	if err != nil {
		return err
	}
	if i.Logger != nil {
		i.Logger.Log(entry)
	}
	return nil
}

// HandleBatch parses and forwards a batch of event bodies, used by the
// /events endpoint that accepts a JSON array in one request.
func (i *Ingester) HandleBatch(raws [][]byte, meta logger.RequestMetadata, internal logger.InternalMetadata) error {
	for _, raw := range raws {
		if err := i.Handle(raw, meta, internal); err != nil {
			return err
		}
	}
	return nil
}
