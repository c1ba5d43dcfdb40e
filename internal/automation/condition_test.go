package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleContext() map[string]interface{} {
	return map[string]interface{}{
		"task": map[string]interface{}{
			"id":       "t1",
			"title":    "Ship release notes",
			"points":   float64(5),
			"estimate": "8",
			"dueDate":  "2024-03-10T12:00:00Z",
			"labels":   []interface{}{"urgent", "backend"},
			"list":     map[string]interface{}{"name": "Doing"},
			"empty":    "",
		},
		"toListId": "done",
	}
}

func TestEvaluate_EmptyTreeIsTrue(t *testing.T) {
	assert.True(t, Evaluate(nil, sampleContext()))
	assert.True(t, Evaluate(nil, nil))

	tree, err := ParseConditions("[]")
	require.NoError(t, err)
	assert.True(t, Evaluate(tree, sampleContext()))
}

func TestEvaluate_MissingField(t *testing.T) {
	ctx := sampleContext()
	empty := Leaf("task.nope.deeper", "is-empty", nil)
	assert.True(t, Evaluate(&empty, ctx))

	eq := Leaf("task.nope", "equals", "")
	assert.False(t, Evaluate(&eq, ctx))

	notEmpty := Leaf("task.nope", OpIsNotEmpty, nil)
	assert.False(t, Evaluate(&notEmpty, ctx))
}

func TestEvaluate_Operators(t *testing.T) {
	ctx := sampleContext()
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Leaf("task.list.name", OpEquals, "Doing"), true},
		{"equals number vs float", Leaf("task.points", OpEquals, 5), true},
		{"equals numeric string stays string", Leaf("task.points", OpEquals, "5.0"), false},
		{"not equals", Leaf("task.title", "not-equals", "x"), true},
		{"contains substring", Leaf("task.title", OpContains, "release"), true},
		{"contains list element", Leaf("task.labels", OpContains, "urgent"), true},
		{"contains missing element", Leaf("task.labels", OpContains, "front"), false},
		{"greater numeric", Leaf("task.points", "greater-than", 3), true},
		{"greater numeric string", Leaf("task.estimate", OpGreater, "10"), false},
		{"less numeric string", Leaf("task.estimate", OpLess, 10), true},
		{"greater date", Leaf("task.dueDate", OpGreater, "2024-03-01"), true},
		{"less date", Leaf("task.dueDate", OpLess, "2024-03-01"), false},
		{"greater non numeric fails closed", Leaf("task.title", OpGreater, 1), false},
		{"is empty on blank", Leaf("task.empty", OpIsEmpty, nil), true},
		{"is not empty", Leaf("task.title", OpIsNotEmpty, nil), true},
		{"in list array", Leaf("toListId", OpInList, []interface{}{"todo", "done"}), true},
		{"in list comma string", Leaf("toListId", "in-list", "todo, done"), true},
		{"in list miss", Leaf("toListId", OpInList, []interface{}{"todo"}), false},
		{"slice index path", Leaf("task.labels.1", OpEquals, "backend"), true},
		{"unknown operator", Leaf("task.title", "matches", ".*"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.cond
			assert.Equal(t, tc.want, Evaluate(&c, ctx))
		})
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	ctx := sampleContext()
	malformed := Condition{Operator: OpGreater, Value: "x"}

	and := And(Leaf("task.id", OpEquals, "nope"), malformed)
	assert.False(t, Evaluate(&and, ctx))

	or := Or(Leaf("task.id", OpEquals, "t1"), malformed)
	assert.True(t, Evaluate(&or, ctx))

	// the malformed child decides when reached, and fails closed
	reached := And(Leaf("task.id", OpEquals, "t1"), malformed)
	assert.False(t, Evaluate(&reached, ctx))
}

func TestEvaluate_UnknownCompositeOp(t *testing.T) {
	c := Condition{Op: "XOR", Children: []Condition{Leaf("task.id", OpEquals, "t1")}}
	assert.False(t, Evaluate(&c, sampleContext()))
	assert.Error(t, ValidateCondition(&c))
}

func TestParseConditions(t *testing.T) {
	tree, err := ParseConditions(`[{"field":"task.id","operator":"equals","value":"t1"},{"field":"toListId","operator":"equals","value":"done"}]`)
	require.NoError(t, err)
	require.NotNil(t, tree)
	assert.Equal(t, LogicAnd, tree.Op)
	assert.Len(t, tree.Children, 2)
	assert.True(t, Evaluate(tree, sampleContext()))

	tree, err = ParseConditions(`{"op":"OR","children":[{"field":"task.id","operator":"equals","value":"x"},{"op":"AND","children":[{"field":"task.points","operator":"greater_than","value":4}]}]}`)
	require.NoError(t, err)
	assert.True(t, Evaluate(tree, sampleContext()))

	tree, err = ParseConditions("  null ")
	require.NoError(t, err)
	assert.Nil(t, tree)

	_, err = ParseConditions(`{"field":`)
	assert.Error(t, err)
}

func TestValidateCondition(t *testing.T) {
	good := And(Leaf("task.id", "not-equals", "x"), Or(Leaf("a", OpIsEmpty, nil)))
	assert.NoError(t, ValidateCondition(&good))

	noField := Leaf("", OpEquals, "x")
	assert.Error(t, ValidateCondition(&noField))

	badOp := And(Leaf("a", "like", "x"))
	assert.Error(t, ValidateCondition(&badOp))
}
