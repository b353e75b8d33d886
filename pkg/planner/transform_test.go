package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransforms(t *testing.T) {
	tests := []struct {
		transform Transform
		in        any
		want      any
	}{
		{TransformNone, "as-is", "as-is"},
		{TransformList, "email", []any{"email"}},
		{TransformList, []any{"a", "b"}, []any{"a", "b"}},
		{TransformList, []string{"a"}, []string{"a"}},
		{TransformLowercase, "ACTIVE", "active"},
		{TransformUppercase, "usd", "USD"},
		{TransformString, 3.0, "3"},
		{TransformString, 42, "42"},
		{TransformInt, "42", 42},
		{TransformInt, 7.9, 7},
		{TransformInt, true, 1},
		{TransformFloat, "1.5", 1.5},
		{TransformFloat, 2, 2.0},
	}

	for _, tt := range tests {
		got, err := tt.transform.Apply(tt.in)
		require.NoError(t, err, "%s(%v)", tt.transform, tt.in)
		assert.Equal(t, tt.want, got, "%s(%v)", tt.transform, tt.in)
	}
}

func TestTransformErrors(t *testing.T) {
	_, err := TransformInt.Apply("many")
	assert.Error(t, err)

	_, err = TransformFloat.Apply([]any{1})
	assert.Error(t, err)

	_, err = Transform("titlecase").Apply("x")
	assert.Error(t, err)
	assert.False(t, Transform("titlecase").Valid())
	assert.True(t, TransformList.Valid())
}
