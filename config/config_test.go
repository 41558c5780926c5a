package config_test

import (
	"testing"
	"time"

	"paper-ingest/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_USER", "ingest")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "ledger")
}

func TestLoadFileStoreDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_TYPE", "file")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 5, cfg.AssetConcurrency)
	assert.Equal(t, 6*time.Hour, cfg.SpoolMaxAge)
	assert.Equal(t, "host=localhost user=ingest password=secret dbname=ledger port=5432 sslmode=disable", cfg.DSN())
	assert.NotEmpty(t, cfg.SpoolRoot())
}

func TestLoadS3RequiresCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_TYPE", "s3")
	t.Setenv("S3_KEY", "")
	t.Setenv("S3_BUCKET", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_BUCKET")
}

func TestValidate(t *testing.T) {
	cfg := &config.Config{StoreType: "ftp", AssetConcurrency: 1}
	assert.ErrorContains(t, cfg.Validate(), "unknown STORE_TYPE")

	cfg = &config.Config{StoreType: config.StoreFile, FileStorePath: "/tmp/x", AssetConcurrency: 0}
	assert.ErrorContains(t, cfg.Validate(), "INGEST_ASSET_CONCURRENCY")

	cfg.AssetConcurrency = 3
	assert.NoError(t, cfg.Validate())
}
