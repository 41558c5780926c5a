package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreS3   = "s3"
	StoreFile = "file"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Blob-Store: "s3" oder "file"
	StoreType     string `envconfig:"STORE_TYPE" default:"s3"`
	FileStorePath string `envconfig:"FILE_STORE_PATH" default:"./data/blobs"`

	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket string `envconfig:"S3_BUCKET"`

	// Temporäre Entpack-Verzeichnisse pro Ingestion
	SpoolDir       string        `envconfig:"SPOOL_DIR"`
	SpoolMaxAge    time.Duration `envconfig:"SPOOL_MAX_AGE" default:"6h"`
	MaxArchiveSize int64         `envconfig:"MAX_ARCHIVE_BYTES" default:"2147483648"`

	// Drop-Folder für Archive, die per Cron eingelesen werden
	IngestSourceDir      string `envconfig:"INGEST_SOURCE_DIR" default:"./ingest"`
	IngestDestinationDir string `envconfig:"INGEST_DESTINATION_DIR" default:"./ingested"`
	IngestCronSchedule   string `envconfig:"INGEST_CRON_SCHEDULE" default:"*/5 * * * *"`
	SweepCronSchedule    string `envconfig:"SWEEP_CRON_SCHEDULE" default:"0 * * * *"`

	AssetConcurrency int `envconfig:"INGEST_ASSET_CONCURRENCY" default:"5"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// SpoolRoot liefert das Basisverzeichnis für Spool-Dateien (Default: os.TempDir).
func (c *Config) SpoolRoot() string {
	if c.SpoolDir != "" {
		return c.SpoolDir
	}
	return filepath.Join(os.TempDir(), "paper-ingest")
}

// Validate prüft Kombinationen, die envconfig allein nicht ausdrücken kann.
func (c *Config) Validate() error {
	switch c.StoreType {
	case StoreS3:
		if c.S3Key == "" || c.S3Secret == "" || c.S3URL == "" || c.S3Bucket == "" {
			return fmt.Errorf("STORE_TYPE=s3 requires S3_KEY, S3_SECRET, S3_URL and S3_BUCKET")
		}
	case StoreFile:
		if c.FileStorePath == "" {
			return fmt.Errorf("STORE_TYPE=file requires FILE_STORE_PATH")
		}
	default:
		return fmt.Errorf("unknown STORE_TYPE %q", c.StoreType)
	}
	if c.AssetConcurrency < 1 {
		return fmt.Errorf("INGEST_ASSET_CONCURRENCY must be at least 1, got %d", c.AssetConcurrency)
	}
	return nil
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
