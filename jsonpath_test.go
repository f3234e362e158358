package deepstream

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func sampleTree() any {
	return map[string]any{
		"name": "Yasser",
		"pets": []any{
			map[string]any{"type": "Dog", "name": "Whiskey", "age": float64(3)},
			map[string]any{"type": "Cat", "name": "Hector"},
		},
	}
}

func TestGetPath(t *testing.T) {
	tree := sampleTree()

	assert.Equal(t, getPath(tree, "name"), "Yasser")
	assert.Equal(t, getPath(tree, "pets[0].age"), float64(3))
	assert.Equal(t, getPath(tree, "pets[1].name"), "Hector")
	assert.Equal(t, getPath(tree, ""), tree)
}

func TestGetPath_MissingReturnsNil(t *testing.T) {
	tree := sampleTree()

	assert.Equal(t, getPath(tree, "address.city"), nil)
	assert.Equal(t, getPath(tree, "pets[7]"), nil)
	assert.Equal(t, getPath(tree, "name.first"), nil)
}

func TestSetPath_ReplacesValue(t *testing.T) {
	tree := setPath(sampleTree(), "pets[0].age", float64(4))
	assert.Equal(t, getPath(tree, "pets[0].age"), float64(4))
}

func TestSetPath_CreatesIntermediates(t *testing.T) {
	tree := setPath(map[string]any{}, "address.city", "Berlin")
	assert.Equal(t, getPath(tree, "address.city"), "Berlin")

	tree = setPath(map[string]any{}, "items[2]", "c")
	items := getPath(tree, "items").([]any)
	assert.Equal(t, len(items), 3)
	assert.Equal(t, items[2], "c")
}

func TestSetPath_EmptyPathReplacesRoot(t *testing.T) {
	tree := setPath(sampleTree(), "", map[string]any{"fresh": true})
	assert.Equal(t, tree, map[string]any{"fresh": true})
}

func TestDeletePath(t *testing.T) {
	tree := deletePath(sampleTree(), "name")
	assert.Equal(t, getPath(tree, "name"), nil)

	tree = deletePath(sampleTree(), "pets[0]")
	pets := getPath(tree, "pets").([]any)
	assert.Equal(t, len(pets), 1)
	assert.Equal(t, getPath(tree, "pets[0].name"), "Hector")
}

func TestDeepCopy_Isolates(t *testing.T) {
	original := sampleTree()
	clone := deepCopy(original)
	assert.Equal(t, deepEqual(original, clone), true)

	clone.(map[string]any)["name"] = "changed"
	assert.Equal(t, getPath(original, "name"), "Yasser")
}

func TestDeepEqual(t *testing.T) {
	assert.Equal(t, deepEqual(sampleTree(), sampleTree()), true)
	assert.Equal(t, deepEqual(sampleTree(), map[string]any{}), false)
	assert.Equal(t, deepEqual(nil, nil), true)
	assert.Equal(t, deepEqual(float64(1), float64(1)), true)
}

func TestNormalizeValue_CanonicalizesStructsAndInts(t *testing.T) {
	type pet struct {
		Type string `json:"type"`
		Age  int    `json:"age"`
	}

	normalized := normalizeValue(pet{Type: "Dog", Age: 3})
	assert.Equal(t, normalized, map[string]any{"type": "Dog", "age": float64(3)})

	assert.Equal(t, normalizeValue(3), float64(3))
	assert.Equal(t, normalizeValue("dog"), "dog")
	assert.Equal(t, normalizeValue(nil), nil)
}
