package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"team=payments", " summary = fix login=now"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "payments", "summary": " fix login=now"}, got)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=x"})
	assert.Error(t, err)
}

func TestParseWhen(t *testing.T) {
	at, err := parseWhen("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), at.UTC())

	before := time.Now()
	at, err = parseWhen("2h")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(-2*time.Hour), at, time.Minute)

	_, err = parseWhen("yesterday")
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	addPersistentFlags()
	registerCommands()
	for _, path := range [][]string{
		{"item", "start"},
		{"item", "advance"},
		{"item", "pr"},
		{"approval", "decide"},
		{"approval", "sweep"},
		{"audit", "stats"},
		{"webhook", "ingest"},
		{"serve"},
		{"token"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
