package uploader

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/steprunner/pkg/types"
)

// truncatedLiteral replaces the largest field found during shrinking.
const truncatedLiteral = "TRUNCATED"

// ErrCannotShrink is returned when a batch still exceeds the size
// limit and the largest entity's largest _rawData entry has no
// untruncated field left.
type ErrCannotShrink struct{}

func (e *ErrCannotShrink) Error() string {
	return "uploader: batch still exceeds the size limit with no _rawData field left to shrink (CANNOT_SHRINK)"
}

// shrinkBatchToLimit repeatedly truncates the largest _rawData field
// of the largest entity until the batch's serialized size, as it will
// be sent wrapped in {"entities": batch}, is at or under limit. Each
// iteration truncates one more field, so termination is guarded by a
// hard cap on the number of candidate fields rather than trusting a
// running size estimate. The batch is
// re-serialized every iteration to check its real size, so the cap
// only ever stops a run that has truly exhausted every field.
func shrinkBatchToLimit(entities []types.Entity, limit int) error {
	maxIterations := countShrinkableFields(entities)

	for i := 0; i <= maxIterations; i++ {
		size, err := serializedEntityBatchSize(entities)
		if err != nil {
			return fmt.Errorf("uploader: measuring batch size: %w", err)
		}
		if size <= limit {
			return nil
		}
		if !shrinkLargestField(entities) {
			return &ErrCannotShrink{}
		}
	}
	return &ErrCannotShrink{}
}

func serializedEntityBatchSize(entities []types.Entity) (int, error) {
	data, err := json.Marshal(map[string]any{"entities": entities})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func serializedRelationshipBatchSize(relationships []types.Relationship) (int, error) {
	data, err := json.Marshal(map[string]any{"relationships": relationships})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func countShrinkableFields(entities []types.Entity) int {
	total := 0
	for _, e := range entities {
		raws, ok := e.Properties["_rawData"].([]any)
		if !ok {
			continue
		}
		for _, item := range raws {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if rawData, ok := entry["rawData"].(map[string]any); ok {
				total += len(rawData)
			}
		}
	}
	return total
}

// shrinkLargestField finds the largest-serialized entity, within it
// the largest _rawData array entry, and within that entry's rawData
// object the largest not-yet-truncated field, then replaces that
// field's value with truncatedLiteral. Returns false if that entity
// has no _rawData entries, or if the chosen entry has no untruncated
// rawData field; other entities and entries are not searched.
func shrinkLargestField(entities []types.Entity) bool {
	bestEntity := -1
	bestEntitySize := -1
	for i := range entities {
		data, err := json.Marshal(entities[i])
		if err != nil {
			continue
		}
		if len(data) > bestEntitySize {
			bestEntitySize = len(data)
			bestEntity = i
		}
	}
	if bestEntity < 0 {
		return false
	}

	raws, ok := entities[bestEntity].Properties["_rawData"].([]any)
	if !ok || len(raws) == 0 {
		return false
	}

	bestEntry := -1
	bestEntrySize := -1
	for i, item := range raws {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if len(data) > bestEntrySize {
			bestEntrySize = len(data)
			bestEntry = i
		}
	}
	if bestEntry < 0 {
		return false
	}

	entry, ok := raws[bestEntry].(map[string]any)
	if !ok {
		return false
	}
	rawData, ok := entry["rawData"].(map[string]any)
	if !ok || len(rawData) == 0 {
		return false
	}

	bestField := ""
	bestFieldSize := -1
	for k, v := range rawData {
		if s, ok := v.(string); ok && s == truncatedLiteral {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if len(data) > bestFieldSize {
			bestFieldSize = len(data)
			bestField = k
		}
	}
	if bestField == "" {
		return false
	}

	rawData[bestField] = truncatedLiteral
	return true
}
