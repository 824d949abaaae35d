package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("lock round: %w", Conflict("round already locked"))

	assert.Equal(t, KindStateConflict, KindOf(err))
	assert.True(t, IsKind(err, KindStateConflict))
	assert.False(t, IsKind(err, KindNotFound))
	assert.True(t, errors.Is(err, &Error{Kind: KindStateConflict}))
}

func TestKindOfInfrastructureError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("connection reset")))
}

func TestRetryable(t *testing.T) {
	err := fmt.Errorf("open round: %w", Retryable("lock wait timeout"))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, KindStateConflict, KindOf(err))
	assert.False(t, IsRetryable(Conflict("x")))
}

func TestScopeValidate(t *testing.T) {
	require.NoError(t, Scope{Workflow: WorkflowSaleable, ProjectID: "p1", T: 0}.Validate())

	cases := []Scope{
		{Workflow: "bogus", ProjectID: "p1"},
		{Workflow: WorkflowSlum, ProjectID: " "},
		{Workflow: WorkflowClearland, ProjectID: "p1", T: -1},
	}
	for _, sc := range cases {
		err := sc.Validate()
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	}
}

func TestParseWorkflow(t *testing.T) {
	w, err := ParseWorkflow(" Clearland ")
	require.NoError(t, err)
	assert.Equal(t, WorkflowClearland, w)

	_, err = ParseWorkflow("auction")
	assert.Equal(t, KindValidation, KindOf(err))
}
