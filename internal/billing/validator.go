package billing

import (
	"context"
	"errors"
)

// ModalityRegistry is the read-only source of modality master data.
type ModalityRegistry interface {
	GetModality(ctx context.Context, id int64) (Modality, error)
}

// Validator enforces the modality configuration rules of an order item.
type Validator struct {
	registry ModalityRegistry
}

// NewValidator constructs a Validator backed by registry.
func NewValidator(registry ModalityRegistry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks the configured modality ids of one order item and returns the resolved
// modalities in configuration order. Inactive modalities are accepted so historical items keep
// billing; only existence is checked.
func (v *Validator) Validate(ctx context.Context, orderItemID int64, configured []int64) ([]Modality, error) {
	if len(configured) == 0 {
		return nil, &ItemError{OrderItemID: orderItemID, Err: ErrNoModalitiesConfigured}
	}

	seen := make(map[int64]struct{}, len(configured))
	for _, id := range configured {
		if _, dup := seen[id]; dup {
			return nil, &ItemError{OrderItemID: orderItemID, ModalityID: id, Err: ErrDuplicateModality}
		}
		seen[id] = struct{}{}
	}

	modalities := make([]Modality, 0, len(configured))
	for _, id := range configured {
		if id <= 0 {
			return nil, &ItemError{OrderItemID: orderItemID, ModalityID: id, Err: ErrUnknownModality}
		}
		m, err := v.registry.GetModality(ctx, id)
		if err != nil {
			if errors.Is(err, ErrModalityNotFound) {
				return nil, &ItemError{OrderItemID: orderItemID, ModalityID: id, Err: ErrUnknownModality}
			}
			return nil, err
		}
		modalities = append(modalities, m)
	}
	return modalities, nil
}
