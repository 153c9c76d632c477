package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestSetupWriterJSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, SetupWriter(&buf, "debug", FormatAuto))

	log.Ctx(context.Background()).Debug().Str("run_id", "r1").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["message"])
	require.Equal(t, "r1", entry["run_id"])
	require.Equal(t, "debug", entry["level"])
}

func TestSetupWriterLevelFilters(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, SetupWriter(&buf, "warn", FormatJSON))

	log.Info().Msg("dropped")
	require.Zero(t, buf.Len())
	log.Warn().Msg("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestSetupWriterRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, SetupWriter(&buf, "loud", FormatJSON))
	require.Error(t, SetupWriter(&buf, "info", "xml"))
}
