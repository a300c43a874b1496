// README: Hub store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

var ErrHubNotFound = errors.New("hub not found")

type Store struct {
	db infra.DB
}

func NewStore(db infra.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetHub(ctx context.Context, id types.ID) (Hub, error) {
	var (
		h   Hub
		hid string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, lat, lng
		FROM hubs
		WHERE id = $1 AND active`, string(id),
	).Scan(&hid, &h.Name, &h.Location.Lat, &h.Location.Lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hub{}, ErrHubNotFound
	}
	if err != nil {
		return Hub{}, err
	}
	h.ID = types.ID(hid)
	return h, nil
}
