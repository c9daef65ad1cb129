package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOwnerKindDecodeFoldsCase(t *testing.T) {
	var o Owner
	require.NoError(t, json.Unmarshal([]byte(`{"kind":" USER ","id":"alice"}`), &o))
	assert.Equal(t, Owner{Kind: OwnerUser, ID: "alice"}, o)

	p := BudgetPolicy{Kind: OwnerUser, Owner: "alice", Period: PeriodDay}
	assert.True(t, p.Matches(o))
}

func TestPolicyYAMLFoldsCase(t *testing.T) {
	var p BudgetPolicy
	require.NoError(t, yaml.Unmarshal([]byte("kind: Team\nowner: infra\nperiod: MONTH\n"), &p))
	assert.Equal(t, OwnerTeam, p.Kind)
	assert.Equal(t, PeriodMonth, p.Period)

	_, closeAt := p.Period.Window(mustTime(t, "2025-03-14T10:00:00Z"))
	assert.Equal(t, mustTime(t, "2025-04-01T00:00:00Z"), closeAt)
}

func TestUnknownKindSurvivesDecodeForValidation(t *testing.T) {
	var o Owner
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"Tenant","id":"x"}`), &o))
	assert.Equal(t, OwnerKind("tenant"), o.Kind)
	_, err := ParseOwnerKind(string(o.Kind))
	assert.Error(t, err)
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}
