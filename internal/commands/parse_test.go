package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{"/get_id", "get_id", []string{}, true},
		{"  /Sub@relay_bot 42  ", "sub", []string{"42"}, true},
		{"/sub \"telegram:-100\" 42", "sub", []string{"telegram:-100", "42"}, true},
		{"/sub a\\ b 'c d'", "sub", []string{"a b", "c d"}, true},
		{"hello /get_id", "", nil, false},
		{"/", "", nil, false},
		{"/@bot", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.text, "/")
		require.Equal(t, tc.ok, ok, tc.text)
		require.Equal(t, tc.name, name, tc.text)
		if tc.ok {
			require.Equal(t, tc.args, args, tc.text)
		}
	}
}

func TestParseCommandEmptyPrefix(t *testing.T) {
	_, _, ok := parseCommand("/help", "")
	require.False(t, ok)
}
