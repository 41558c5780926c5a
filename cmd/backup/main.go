package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"paper-ingest/config"
	"paper-ingest/storage"
)

// BackupConfig erweitert die Dienstkonfiguration um die Rotation.
type BackupConfig struct {
	config.Config
	KeepBackups  int    `envconfig:"KEEP_BACKUPS" default:"4"`
	BackupPrefix string `envconfig:"BACKUP_PREFIX" default:"backups/"`
}

// backupAPI ist der Ausschnitt des S3-Clients für Upload und Rotation.
type backupAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()
	logging.Info("Starting ledger backup")

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}
	if cfg.S3URL == "" || cfg.S3Bucket == "" {
		logging.Fatal("Backup requires S3_URL and S3_BUCKET")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	// 1. Datenbank-Dump erstellen
	dump, err := createDump(ctx, cfg)
	if err != nil {
		logging.Fatal("Failed to create database dump", zap.Error(err))
	}
	logging.Info("Database dump created", zap.String("size", humanize.Bytes(uint64(len(dump)))))

	// 2. Hochladen
	client, err := storage.NewS3Client(ctx, &cfg.Config)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	key := backupKey(cfg.BackupPrefix, time.Now())
	if err := upload(ctx, client, cfg.S3Bucket, key, dump); err != nil {
		logging.Fatal("Backup upload failed", zap.Error(err))
	}
	logging.Info("Backup uploaded", zap.String("bucket", cfg.S3Bucket), zap.String("key", key))

	// 3. Alte Backups rotieren
	deleted, err := rotateBackups(ctx, client, cfg.S3Bucket, cfg.BackupPrefix, cfg.KeepBackups, logging)
	if err != nil {
		logging.Fatal("Backup rotation failed", zap.Error(err))
	}
	logging.Info("Backup finished", zap.Int("rotated", deleted))
}

func backupKey(prefix string, now time.Time) string {
	return fmt.Sprintf("%sbackup-%s.sql.gz", prefix, now.UTC().Format("2006-01-02T15-04-05Z"))
}

func createDump(ctx context.Context, cfg BackupConfig) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.DBHost,
		"-p", fmt.Sprint(cfg.DBPort),
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w", // Passwort kommt über PGPASSWORD
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.DBPassword)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	dump, err := gzipAll(stdout)
	if err != nil {
		_ = cmd.Wait()
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return dump, nil
}

func gzipAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, r); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func upload(ctx context.Context, client backupAPI, bucket, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	return err
}

// rotateBackups behält die neuesten keep Backups unter prefix und löscht den Rest.
func rotateBackups(ctx context.Context, client backupAPI, bucket, prefix string, keep int, logging *zap.Logger) (int, error) {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return 0, err
	}
	objects := output.Contents
	if len(objects) <= keep {
		logging.Info("Nothing to rotate", zap.Int("backups", len(objects)), zap.Int("keep", keep))
		return 0, nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return aws.ToTime(objects[i].LastModified).After(aws.ToTime(objects[j].LastModified))
	})

	deleted := 0
	var errs []error
	for _, obj := range objects[keep:] {
		logging.Info("Deleting old backup", zap.String("key", aws.ToString(obj.Key)))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    obj.Key,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", aws.ToString(obj.Key), err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
