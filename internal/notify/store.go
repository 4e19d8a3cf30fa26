package notify

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct{ DB *pgxpool.Pool }

func (s *PgStore) Insert(ctx context.Context, n Notification) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO notifications(event_id, order_id, kind, recipient, subject, body)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) DO NOTHING`,
		n.EventID, n.OrderID, n.Kind, n.Recipient, n.Subject, n.Body)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// MemStore keeps notifications in memory.
type MemStore struct {
	mu   sync.Mutex
	rows []Notification
	seen map[string]bool
}

func (s *MemStore) Insert(_ context.Context, n Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[n.EventID] {
		return false, nil
	}
	s.seen[n.EventID] = true
	s.rows = append(s.rows, n)
	return true, nil
}

func (s *MemStore) All() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.rows...)
}
