package xlayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"latticecore/internal/infra/blob"
	"latticecore/pkg/domain"
)

// PromoteVariant applies every staged operation inside a single transaction.
// Any structural rejection, including cycles introduced since the variant was
// proposed, rolls the whole promotion back and surfaces as
// PromotionAbortedError; the live lattice is untouched. On success the
// variant is retired with a promotion audit record.
func (m *Manager) PromoteVariant(ctx context.Context, id string) (domain.PromotionRecord, error) {
	m.mu.RLock()
	variant, ok := m.variants[id]
	m.mu.RUnlock()
	if !ok {
		return domain.PromotionRecord{}, domain.NotFoundError{Entity: "variant", ID: id}
	}
	if !variant.Evaluated {
		return domain.PromotionRecord{}, fmt.Errorf("variant %s must be evaluated before promotion", id)
	}

	var record domain.PromotionRecord
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		// Refuse to replay over cells that moved since the variant was
		// proposed; the overlay was scored against their recorded versions.
		for _, cellID := range sortedKeys(variant.BaseVersions) {
			cell, ok := tx.FindCell(cellID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityCell, ID: cellID}
			}
			if cell.Version != variant.BaseVersions[cellID] {
				return domain.VersionConflictError{
					Entity:   domain.EntityCell,
					ID:       cellID,
					Expected: variant.BaseVersions[cellID],
					Actual:   cell.Version,
				}
			}
		}

		// Alias ids staged by add_cell ops map to store-assigned ids here.
		aliases := make(map[string]string)
		resolve := func(ref string) string {
			if real, ok := aliases[ref]; ok {
				return real
			}
			return ref
		}

		for i, op := range variant.Ops {
			var err error
			switch op.Kind {
			case OpAddCell:
				staged := *op.NewCell
				alias := staged.ID
				staged.ID = ""
				var created domain.Cell
				created, err = tx.CreateCell(staged)
				if err == nil {
					aliases[alias] = created.ID
				}
			case OpSetParameter:
				_, err = tx.UpdateCell(resolve(op.CellID), -1, func(c *domain.Cell) error {
					param := c.TrackedParameters[op.Parameter]
					param.Value = op.Value
					c.TrackedParameters[op.Parameter] = param
					return nil
				})
			case OpAddParentChild:
				_, err = tx.AddParentChild(resolve(op.ParentID), resolve(op.ChildID))
			case OpAddCousin:
				_, err = tx.AddCousin(resolve(op.SourceID), resolve(op.TargetID), op.RelationKind)
			default:
				err = fmt.Errorf("unknown op kind %s", op.Kind)
			}
			if err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		}

		var err error
		record, err = tx.RecordPromotion(domain.PromotionRecord{
			VariantID:  variant.ID,
			BaseSeq:    variant.BaseSeq,
			Score:      variant.Score,
			Operations: len(variant.Ops),
			Provenance: variant.Provenance,
		})
		return err
	})
	if err != nil {
		return domain.PromotionRecord{}, domain.PromotionAbortedError{VariantID: id, Cause: err}
	}

	m.retire(ctx, variant, "promoted")
	m.logger.Info("variant promoted", "variant", id, "promotion", record.ID, "score", variant.Score)
	return record, nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RetireVariant discards a staged variant without promoting it, archiving it
// when an archive store is configured.
func (m *Manager) RetireVariant(ctx context.Context, id string) error {
	m.mu.RLock()
	variant, ok := m.variants[id]
	m.mu.RUnlock()
	if !ok {
		return domain.NotFoundError{Entity: "variant", ID: id}
	}
	m.retire(ctx, variant, "retired")
	m.logger.Info("variant retired", "variant", id)
	return nil
}

func (m *Manager) retire(ctx context.Context, variant Variant, disposition string) {
	m.mu.Lock()
	delete(m.variants, variant.ID)
	m.mu.Unlock()

	if m.archive == nil {
		return
	}
	payload, err := json.Marshal(variant)
	if err != nil {
		m.logger.Error("variant archive encode failed", "variant", variant.ID, "error", err)
		return
	}
	key := fmt.Sprintf("variants/%s.json", variant.ID)
	_, err = m.archive.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"disposition": disposition},
	})
	if err != nil {
		m.logger.Error("variant archive write failed", "variant", variant.ID, "key", key, "error", err)
	}
}
