package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Encode serializes a state document.
func Encode(state *OperationState) ([]byte, error) {
	return json.MarshalIndent(state, "", "  ")
}

// Decode parses a state document. Version-less documents written by the
// previous tool are migrated in memory; they are rewritten on the next Apply.
func Decode(data []byte) (*OperationState, error) {
	var header struct {
		Version    *int     `json:"version"`
		ProjectIDs []string `json:"project_ids"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if header.Version == nil {
		if header.ProjectIDs == nil {
			return nil, fmt.Errorf("%w: missing version", ErrCorrupt)
		}
		return migrateLegacy(data)
	}
	if *header.Version < 1 || *header.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *header.Version)
	}

	var state OperationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := validate(&state); err != nil {
		return nil, err
	}
	state.Recount()
	return &state, nil
}

func validate(s *OperationState) error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing operation id", ErrCorrupt)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrCorrupt, s.Status)
	}
	seen := make(map[string]struct{}, len(s.Items))
	for _, item := range s.Items {
		if item.ID == "" {
			return fmt.Errorf("%w: item without id", ErrCorrupt)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("%w: duplicate item %q", ErrCorrupt, item.ID)
		}
		seen[item.ID] = struct{}{}
		switch item.Status {
		case ItemPending, ItemInFlight, ItemCompleted, ItemFailed, ItemSkipped:
		default:
			return fmt.Errorf("%w: item %q has unknown status %q", ErrCorrupt, item.ID, item.Status)
		}
	}
	return nil
}

type legacyState struct {
	OperationID   string                  `json:"operation_id"`
	OperationType string                  `json:"operation_type"`
	Status        string                  `json:"status"`
	Parameters    map[string]any          `json:"parameters"`
	ProjectIDs    []string                `json:"project_ids"`
	Results       map[string]legacyResult `json:"results"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

type legacyResult struct {
	Result      json.RawMessage `json:"result"`
	Attempts    int             `json:"attempts"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// legacy results are either the string "Success" or a single-key object
// {"Skipped":{"reason":..}} / {"Failed":{"error":..,"retryable":..}}.
type legacyOutcome struct {
	Skipped *struct {
		Reason string `json:"reason"`
	} `json:"Skipped"`
	Failed *struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	} `json:"Failed"`
}

func migrateLegacy(data []byte) (*OperationState, error) {
	var legacy legacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: legacy state: %v", ErrCorrupt, err)
	}
	if legacy.OperationID == "" {
		return nil, fmt.Errorf("%w: legacy state without operation id", ErrCorrupt)
	}

	state := &OperationState{
		Version:   SchemaVersion,
		ID:        legacy.OperationID,
		Kind:      legacy.OperationType,
		Status:    legacyStatus(legacy.Status),
		Params:    legacy.Parameters,
		CreatedAt: legacy.CreatedAt,
		UpdatedAt: legacy.UpdatedAt,
	}

	ids := append([]string(nil), legacy.ProjectIDs...)
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	// results for ids missing from project_ids keep a stable order
	var extra []string
	for id := range legacy.Results {
		if _, ok := known[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	ids = append(ids, extra...)

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		item := ItemState{ID: id, Status: ItemPending, UpdatedAt: legacy.UpdatedAt}
		if res, ok := legacy.Results[id]; ok {
			if err := applyLegacyResult(&item, res); err != nil {
				return nil, err
			}
		}
		state.Items = append(state.Items, item)
	}

	if !state.Status.Valid() {
		return nil, fmt.Errorf("%w: legacy status %q", ErrCorrupt, legacy.Status)
	}
	state.Recount()
	return state, nil
}

func applyLegacyResult(item *ItemState, res legacyResult) error {
	item.Attempts = res.Attempts
	if res.CompletedAt != nil {
		item.UpdatedAt = *res.CompletedAt
	}

	var unit string
	if err := json.Unmarshal(res.Result, &unit); err == nil {
		if unit != "Success" {
			return fmt.Errorf("%w: legacy result %q for %q", ErrCorrupt, unit, item.ID)
		}
		item.Status = ItemCompleted
		return nil
	}

	var outcome legacyOutcome
	if err := json.Unmarshal(res.Result, &outcome); err != nil {
		return fmt.Errorf("%w: legacy result for %q: %v", ErrCorrupt, item.ID, err)
	}
	switch {
	case outcome.Skipped != nil:
		item.Status = ItemSkipped
		item.Output = outcome.Skipped.Reason
	case outcome.Failed != nil:
		item.Status = ItemFailed
		item.Error = outcome.Failed.Error
		item.Retryable = outcome.Failed.Retryable
	default:
		return fmt.Errorf("%w: legacy result for %q has no outcome", ErrCorrupt, item.ID)
	}
	return nil
}

func legacyStatus(s string) OperationStatus {
	switch s {
	case "pending":
		return StatusCreated
	case "in_progress":
		return StatusRunning
	default:
		return OperationStatus(s)
	}
}
