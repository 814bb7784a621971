package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	var testCases = []struct {
		name        string
		whenLevel   string
		whenFormat  string
		expect      string
		expectLevel zerolog.Level
		expectError string
	}{
		{
			name:        "ok, json",
			whenLevel:   "debug",
			whenFormat:  "json",
			expect:      `"level":"info"`,
			expectLevel: zerolog.DebugLevel,
		},
		{
			name:        "ok, auto is json for non terminal",
			whenLevel:   "info",
			whenFormat:  "auto",
			expect:      `"message":"started"`,
			expectLevel: zerolog.InfoLevel,
		},
		{
			name:        "ok, console",
			whenLevel:   "info",
			whenFormat:  "console",
			expect:      "INF started bus=1",
			expectLevel: zerolog.InfoLevel,
		},
		{
			name:        "ok, empty level defaults to info",
			whenLevel:   "",
			whenFormat:  "json",
			expect:      `"bus":1`,
			expectLevel: zerolog.InfoLevel,
		},
		{
			name:        "nok, invalid level",
			whenLevel:   "loud",
			whenFormat:  "json",
			expectLevel: zerolog.Disabled,
			expectError: "failed to parse log level: Unknown Level String: 'loud', defaulting to NoLevel",
		},
		{
			name:        "nok, invalid format",
			whenLevel:   "info",
			whenFormat:  "xml",
			expectLevel: zerolog.Disabled,
			expectError: "unknown log format: xml",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := bytes.Buffer{}
			l, err := New(&buf, tc.whenLevel, tc.whenFormat)

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expectLevel, l.GetLevel())

			l.Info().Uint8("bus", 1).Msg("started")
			assert.Contains(t, buf.String(), tc.expect)
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
