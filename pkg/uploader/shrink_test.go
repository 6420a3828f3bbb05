package uploader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/steprunner/pkg/types"
)

func rawDataEntity(key string, fields map[string]any) types.Entity {
	return types.Entity{
		GraphObject: types.GraphObject{
			Key:   key,
			Type:  "demo_account",
			Class: []string{"demo_account"},
			Properties: map[string]any{
				"_rawData": []any{
					map[string]any{"name": "default", "rawData": fields},
				},
			},
		},
	}
}

func TestShrinkRawData_ReducesBelowLimit(t *testing.T) {
	entities := []types.Entity{
		rawDataEntity("k1", map[string]any{
			"blob": strings.Repeat("x", 5000),
		}),
	}

	before, err := serializedEntityBatchSize(entities)
	require.NoError(t, err)

	require.NoError(t, shrinkBatchToLimit(entities, 200))

	after, err := serializedEntityBatchSize(entities)
	require.NoError(t, err)
	assert.Less(t, after, before)

	raws := entities[0].Properties["_rawData"].([]any)
	entry := raws[0].(map[string]any)
	rawData := entry["rawData"].(map[string]any)
	assert.Equal(t, truncatedLiteral, rawData["blob"])
}

func TestShrinkRawData_PicksLargestFieldFirst(t *testing.T) {
	entities := []types.Entity{
		rawDataEntity("k1", map[string]any{
			"small": "a",
			"large": strings.Repeat("y", 1000),
		}),
	}

	ok := shrinkLargestField(entities)
	require.True(t, ok)

	rawData := entities[0].Properties["_rawData"].([]any)[0].(map[string]any)["rawData"].(map[string]any)
	assert.Equal(t, truncatedLiteral, rawData["large"])
	assert.Equal(t, "a", rawData["small"])
}

func TestShrinkRawData_ReturnsErrCannotShrinkWhenNothingLeftToTruncate(t *testing.T) {
	entities := []types.Entity{
		{GraphObject: types.GraphObject{Key: "k1", Type: "demo_account"}},
	}

	err := shrinkBatchToLimit(entities, 1)
	require.Error(t, err)
	var cannotShrink *ErrCannotShrink
	require.ErrorAs(t, err, &cannotShrink)
}

func TestShrinkRawData_AlreadyUnderLimitIsNoOp(t *testing.T) {
	entities := []types.Entity{rawDataEntity("k1", map[string]any{"small": "a"})}

	require.NoError(t, shrinkBatchToLimit(entities, 1<<20))

	rawData := entities[0].Properties["_rawData"].([]any)[0].(map[string]any)["rawData"].(map[string]any)
	assert.Equal(t, "a", rawData["small"])
}
