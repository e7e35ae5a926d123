package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3072, cfg.VectorDimension)
	require.Equal(t, "localhost:9080", cfg.GraphAddress)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GRAPH_ADDRESS", "dgraph.internal:9080")
	t.Setenv("VECTOR_DIMENSION", "1536")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "dgraph.internal:9080", cfg.GraphAddress)
	require.Equal(t, 1536, cfg.VectorDimension)
}

func TestValidateRejectsEmptyGraphAddress(t *testing.T) {
	cfg := Default()
	cfg.GraphAddress = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveDimension(t *testing.T) {
	cfg := Default()
	cfg.VectorDimension = 0
	require.Error(t, cfg.Validate())
}
