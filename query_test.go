package dune

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNoReply(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  bool
	}{
		{"noreply true", `[1,"t",{"noreply":true}]`, true},
		{"noreply false", `[1,"t",{"noreply":false}]`, false},
		{"no opts field", `[1,"t",{}]`, false},
		{"too short", `[1,"t"]`, false},
		{"not an array", `{"t":1}`, false},
		{"malformed", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, isNoReply(json.RawMessage(tc.query)))
		})
	}
}

func TestRunQuery_PoisonedConnectionRejectsImmediately(t *testing.T) {
	core := &connCore{}
	core.poison.Poison(&ConnectionError{Message: "already dead"})
	conn := &Connection{core: core}

	_, err := RunQuery(conn, simpleQuery(), nil)
	require.Error(t, err)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "already dead", ce.Message)
}

func TestWaiterHandle_Token(t *testing.T) {
	w := newWaiter(7, nil)
	h := &WaiterHandle{token: 7, w: w}
	require.Equal(t, uint64(7), h.Token())
}
