package metrics

import (
	"context"
	"time"

	"github.com/clicker-market/internal/domain"
)

// SnapshotStore is the persistence contract of the ledger
type SnapshotStore interface {
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snapshot *domain.Snapshot) error
}

type instrumentedStore struct {
	SnapshotStore
	metrics *Metrics
}

// InstrumentStore times every snapshot write made through s
func (m *Metrics) InstrumentStore(s SnapshotStore) SnapshotStore {
	return &instrumentedStore{SnapshotStore: s, metrics: m}
}

func (s *instrumentedStore) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	defer s.metrics.ObservePersist(time.Now())
	return s.SnapshotStore.Save(ctx, snapshot)
}
