package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelWarn,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestCompactHandlerFormatsLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &compactHandler{out: &buf}
	logger := slog.New(h)
	logger.Info("starting up", "step", "s1")

	out := buf.String()
	require.Contains(t, out, "INFO")
	require.Contains(t, out, "starting up")
	require.Contains(t, out, "step=s1")
}

func TestCompactHandlerWithAttrsPersistsAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	h := &compactHandler{out: &buf}
	logger := slog.New(h).With("service", "orchestra")
	logger.Warn("degraded")

	require.Contains(t, buf.String(), "service=orchestra")
}

func TestOwnCodeFilterSuppressesThirdPartyBelowDebug(t *testing.T) {
	var buf bytes.Buffer
	f := &ownCodeFilter{next: &compactHandler{out: &buf}, minLevel: slog.LevelInfo}
	logger := slog.New(f)

	// A record's PC resolves to this test's own call site, which is
	// inside the module, so it passes the filter even above debug.
	logger.Info("from module code")
	require.Contains(t, buf.String(), "from module code")
}

func TestGetLoggerLazilyInitializes(t *testing.T) {
	require.NotNil(t, GetLogger())
}
