package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/retry"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Open returns the chunk store and ledger store for backend, migrated for
// embeddings of size dim. Postgres is pinged with retries before use. The
// returned func releases the connection pool.
func Open(ctx context.Context, backend, url string, dim int, p retry.Policy) (ChunkStore, ledger.Store, func(), error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), ledger.NewMemoryStore(), func() {}, nil
	case BackendPostgres:
	default:
		return nil, nil, nil, fmt.Errorf("unknown store %q", backend)
	}

	if dim <= 0 {
		return nil, nil, nil, fmt.Errorf("embedding dimension must be set")
	}
	st, err := New(ctx, url)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect: %w", err)
	}
	err = retry.Do(ctx, p, errs.KindRetrievalFailure, "ping store", st.Ping)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	if err := st.Migrate(ctx, dim); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Int("embedding_dim", dim).Msg("Postgres store ready")
	return st, st.Ledger(), st.Close, nil
}
