package repo

import (
	"context"

	"forgeline/internal/domain"
)

const eventCols = `id,ts,type,COALESCE(tenant_id,'') AS tenant_id,COALESCE(run_id,'') AS run_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json`

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, tenantID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE id>? AND (tenant_id=? OR tenant_id IS NULL) ORDER BY id ASC LIMIT ?`, afterID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) RunEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE run_id=? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=? OR tenant_id IS NULL`, tenantID).Scan(&id)
	return id, err
}
