package recorder

import "EscrowLedger/internal/model"

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordEvent(_ *model.Event) error       { return nil }
func (n *NoopRecorder) RecordAudit(_ *AuditSnapshot) error     { return nil }
func (n *NoopRecorder) RecentEvents(_ int) ([]EventRow, error) { return nil, nil }
func (n *NoopRecorder) Close() error                           { return nil }
