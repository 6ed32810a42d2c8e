package syncer

import (
	"encoding/json"
	"testing"

	"github.com/hirewire/hiresync/localstore"
	"github.com/stretchr/testify/require"
)

func TestDefaultResolverStrategies(t *testing.T) {
	r := DefaultResolver()

	require.Equal(t, StrategyKeepBoth, r.StrategyFor(localstore.TableMessages))
	require.Equal(t, StrategyMergeFields, r.StrategyFor(localstore.TableProfiles))
	require.Equal(t, StrategyMergeFields, r.StrategyFor(localstore.TablePreferences))
	require.Equal(t, StrategyServerWins, r.StrategyFor(localstore.TableJobs))
	require.Equal(t, StrategyServerWins, r.StrategyFor("anything-else"))
}

func TestResolveLocalAndServerWins(t *testing.T) {
	r := DefaultResolver()
	local := json.RawMessage(`{"v":"local"}`)
	server := json.RawMessage(`{"v":"server"}`)

	got, err := r.Resolve(Conflict{Local: local, Server: server, Strategy: StrategyLocalWins})
	require.NoError(t, err)
	require.JSONEq(t, string(local), string(got))

	got, err = r.Resolve(Conflict{Local: local, Server: server, Strategy: StrategyServerWins})
	require.NoError(t, err)
	require.JSONEq(t, string(server), string(got))

	got, err = r.Resolve(Conflict{Local: local, Server: server, Strategy: StrategyKeepBoth})
	require.NoError(t, err)
	require.JSONEq(t, string(local), string(got))

	_, err = r.Resolve(Conflict{Local: local, Server: server, Strategy: StrategyManual})
	require.ErrorIs(t, err, ErrManualResolution)
}

func TestMergeFieldsPendingLocalEditSurvivesNewerServer(t *testing.T) {
	// A profile edited offline: the queued bio edit beats a server version
	// with a later timestamp, because the queued mutation will be replayed.
	got, err := MergeFields(Conflict{
		Local:           json.RawMessage(`{"bio":"X","updatedAt":10}`),
		Server:          json.RawMessage(`{"bio":"Y","updatedAt":15}`),
		LocalUpdatedAt:  10,
		ServerUpdatedAt: 15,
		LocalPending:    true,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"bio":"X","updatedAt":15}`, string(got))
}

func TestMergeFieldsServerWinsWhenLocalOlderAndAcked(t *testing.T) {
	got, err := MergeFields(Conflict{
		Local:           json.RawMessage(`{"bio":"X","updatedAt":10}`),
		Server:          json.RawMessage(`{"bio":"Y","updatedAt":15}`),
		LocalUpdatedAt:  10,
		ServerUpdatedAt: 15,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"bio":"Y","updatedAt":15}`, string(got))
}

func TestMergeFieldsTimestampsTakeMax(t *testing.T) {
	got, err := MergeFields(Conflict{
		Local:           json.RawMessage(`{"lastActiveAt":200,"joinDate":50}`),
		Server:          json.RawMessage(`{"lastActiveAt":100,"joinDate":80}`),
		LocalUpdatedAt:  1,
		ServerUpdatedAt: 2,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"lastActiveAt":200,"joinDate":80}`, string(got))
}

func TestMergeFieldsArraysUnion(t *testing.T) {
	got, err := MergeFields(Conflict{
		Local:  json.RawMessage(`{"skills":["go","sql"]}`),
		Server: json.RawMessage(`{"skills":["sql","react"]}`),
	})
	require.NoError(t, err)

	var doc struct {
		Skills []string `json:"skills"`
	}
	require.NoError(t, json.Unmarshal(got, &doc))
	require.ElementsMatch(t, []string{"go", "sql", "react"}, doc.Skills)
}

func TestMergeFieldsNestedObjects(t *testing.T) {
	// Nested objects merge with server as base and local as override.
	got, err := MergeFields(Conflict{
		Local:  json.RawMessage(`{"settings":{"theme":"dark"}}`),
		Server: json.RawMessage(`{"settings":{"theme":"light","locale":"en"}}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"settings":{"theme":"dark","locale":"en"}}`, string(got))
}

func TestMergeFieldsDisjointKeys(t *testing.T) {
	got, err := MergeFields(Conflict{
		Local:  json.RawMessage(`{"onlyLocal":1}`),
		Server: json.RawMessage(`{"onlyServer":2}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"onlyLocal":1,"onlyServer":2}`, string(got))
}

func TestMergeFieldsRejectsNonObjects(t *testing.T) {
	_, err := MergeFields(Conflict{
		Local:  json.RawMessage(`"scalar"`),
		Server: json.RawMessage(`{}`),
	})
	require.Error(t, err)
}
