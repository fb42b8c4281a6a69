package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, nil)
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want, cfg)
}

func TestParseFlags_Overrides(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, []string{
		"-u", "4000",
		"-U", "4001",
		"-t", "2",
		"-T", "20",
		"-v", "0.5",
		"-s",
	})
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.UDP.Port)
	assert.Equal(t, 4001, cfg.Dashboard.Port)
	assert.Equal(t, 2*time.Second, cfg.MeasurementInterval)
	assert.Equal(t, 20*time.Second, cfg.MDNS.LookupInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Dashboard.RefreshInterval)
	assert.True(t, cfg.MDNS.AdvertiseTCP)
}

func TestParseFlags_RejectsPositionalArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{"-u", "4000", "extra"})
	require.Error(t, err)
}

func TestParseFlags_FractionalVerboseSeconds(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, []string{"-v", "1.5"})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Dashboard.RefreshInterval)
}

func TestParseFlags_RejectsDurationSuffixOnSecondsFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{"-t", "2s"})
	require.Error(t, err)
}

func TestParseFlags_RejectsNegativeSeconds(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{"-t", "-1"})
	require.Error(t, err)

	fs2 := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err = ParseFlags(fs2, []string{"-T", "-1"})
	require.Error(t, err)
}
