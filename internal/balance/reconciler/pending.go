package reconciler

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/repository"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Queued lists the unacknowledged messages of one customer. Deltas are additive, so their
// order does not matter. Some may already be applied; Pending filters those out.
func (w *Worker) Queued(ctx context.Context, scope domain.Scope) ([]domain.SyncMessage, error) {
	raw, err := w.queue.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SyncMessage, 0)
	seen := map[string]struct{}{}
	for _, item := range raw {
		var msg domain.SyncMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil || msg.ID == "" {
			continue
		}
		if msg.Scope() != scope {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out, nil
}

// Fresh reads every entitlement of scope with the undelivered deltas folded in. The queue
// is read before the store so a message applied in between is filtered, not lost.
func (w *Worker) Fresh(ctx context.Context, scope domain.Scope) ([]domain.CustomerEntitlement, error) {
	queued, err := w.Queued(ctx, scope)
	if err != nil {
		return nil, err
	}
	var rows []domain.CustomerEntitlement
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := w.repo.ListByCustomer(ctx, tx, scope)
		if err != nil {
			return err
		}
		pending, err := w.Pending(ctx, tx, queued)
		if err != nil {
			return err
		}
		rows = Overlay(stored, pending)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Pending drops the queued messages db has already applied.
func (w *Worker) Pending(ctx context.Context, db *gorm.DB, queued []domain.SyncMessage) ([]domain.SyncMessage, error) {
	if len(queued) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(queued))
	for _, msg := range queued {
		ids = append(ids, msg.ID)
	}
	applied, err := w.repo.AppliedMessageIDs(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SyncMessage, 0, len(queued))
	for _, msg := range queued {
		if _, ok := applied[msg.ID]; ok {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Overlay returns copies of rows with the pending deltas folded in, following the same
// rules the worker applies them with. rows are left untouched.
func Overlay(rows []domain.CustomerEntitlement, pending []domain.SyncMessage) []domain.CustomerEntitlement {
	out := make([]domain.CustomerEntitlement, len(rows))
	index := make(map[snowflake.ID]int, len(rows))
	for i := range rows {
		out[i] = rows[i]
		out[i].SetEntityMap(rows[i].EntityMap().Clone())
		out[i].Rollovers = make([]domain.Rollover, len(rows[i].Rollovers))
		for j := range rows[i].Rollovers {
			ro := rows[i].Rollovers[j]
			ro.Entities = datatypes.NewJSONType(ro.EntityMap().Clone())
			out[i].Rollovers[j] = ro
		}
		index[rows[i].ID] = i
	}

	for _, msg := range pending {
		i, ok := index[msg.EntitlementID]
		if !ok {
			continue
		}
		ent := &out[i]
		if repository.StaleForRow(ent, msg) {
			continue
		}
		ent.ApplyDelta(msg)
	}
	return out
}
