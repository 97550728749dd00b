package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/john/chatrelay/internal/telemetry"
)

const (
	flySocketPath = "/.fly/api"
	stsAudience   = "sts.amazonaws.com"
)

// objectPutter is the part of the S3 client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader handles uploading completed log files to S3
type Uploader struct {
	s3Client    objectPutter
	bucket      string
	deleteAfter bool
	maxRetries  int
	retryBase   time.Duration
	logger      zerolog.Logger
}

// Options configures an Uploader. RoleARN selects OIDC web identity
// credentials; otherwise AccessKeyID and SecretAccessKey are used.
type Options struct {
	Bucket          string
	Region          string
	RoleARN         string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // For S3-compatible services; enables path-style addressing
	DeleteAfter     bool
	MaxRetries      int
	Logger          zerolog.Logger
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever for Fly.io OIDC
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from Fly.io's Unix socket API
func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{
		"aud": f.audience,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	return token, nil
}

// New creates a new S3 uploader
func New(ctx context.Context, opts Options) (*Uploader, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.RoleARN == "" && opts.AccessKeyID != "" {
		// Legacy: static credentials
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// Assume the role with the machine's OIDC token
	if opts.RoleARN != "" {
		credProvider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(cfg),
			opts.RoleARN,
			&flyTokenRetriever{socketPath: flySocketPath, audience: stsAudience},
		)
		cfg.Credentials = aws.NewCredentialsCache(credProvider)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newUploader(s3Client, opts), nil
}

func newUploader(client objectPutter, opts Options) *Uploader {
	return &Uploader{
		s3Client:    client,
		bucket:      opts.Bucket,
		deleteAfter: opts.DeleteAfter,
		maxRetries:  opts.MaxRetries,
		retryBase:   time.Second,
		logger:      opts.Logger.With().Str("component", "uploader").Str("bucket", opts.Bucket).Logger(),
	}
}

// ScanAndUploadExisting uploads .jsonl files left over from earlier runs
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, outputDir string) error {
	u.logger.Info().Str("dir", outputDir).Msg("scanning for existing files to upload")

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var filesToUpload []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		filesToUpload = append(filesToUpload, filepath.Join(outputDir, entry.Name()))
	}

	if len(filesToUpload) == 0 {
		u.logger.Info().Msg("no existing files found to upload")
		return nil
	}

	u.logger.Info().Int("count", len(filesToUpload)).Msg("found existing files to upload")
	for _, filePath := range filesToUpload {
		go u.uploadWithRetry(ctx, filePath)
	}

	return nil
}

// Start uploads every path received on fileChan until ctx is done
func (u *Uploader) Start(ctx context.Context, fileChan <-chan string) error {
	for {
		select {
		case localPath := <-fileChan:
			go u.uploadWithRetry(ctx, localPath)

		case <-ctx.Done():
			u.logger.Info().Msg("uploader shutting down")
			return ctx.Err()
		}
	}
}

// uploadWithRetry uploads a file with exponential backoff and reports whether
// it succeeded.
func (u *Uploader) uploadWithRetry(ctx context.Context, localPath string) bool {
	filename := filepath.Base(localPath)
	log := u.logger.With().Str("file", filename).Logger()

	s3Key, err := generateS3Key(filename)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate S3 key")
		return false
	}

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		err := u.uploadFile(ctx, localPath, s3Key)
		if err == nil {
			telemetry.CountUpload("ok")
			log.Info().Str("key", s3Key).Msg("uploaded file")

			if u.deleteAfter {
				if err := os.Remove(localPath); err != nil {
					log.Error().Err(err).Msg("failed to delete local file")
				} else {
					log.Debug().Msg("deleted local file")
				}
			}
			return true
		}

		if attempt < u.maxRetries {
			backoff := u.retryBase * time.Duration(1<<uint(attempt))
			telemetry.CountUpload("retry")
			log.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", u.maxRetries).
				Dur("backoff", backoff).Msg("upload attempt failed, retrying")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			}
		}
	}

	telemetry.CountUpload("failed")
	log.Error().Int("attempts", u.maxRetries+1).Msg("giving up on upload")
	return false
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, s3Key string) error {
	ctx, span := telemetry.StartSpan(ctx, "uploader.put_object",
		attribute.String("s3.bucket", u.bucket),
		attribute.String("s3.key", s3Key),
	)
	defer span.End()

	file, err := os.Open(localPath)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(s3Key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

// generateS3Key generates an S3 key from a recorded file name
// Input: beam_alice_20170714_024005.jsonl
// Output: 2017/07/14/beam/alice/beam_alice_20170714_024005.jsonl
func generateS3Key(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".jsonl")

	// Channel names may contain underscores, so parse from the end
	parts := strings.Split(nameWithoutExt, "_")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	platform := parts[0]
	dateStr := parts[len(parts)-2]
	timeStr := parts[len(parts)-1]
	channel := strings.Join(parts[1:len(parts)-2], "_")

	// Minute-resolution names are accepted too
	layout := "20060102_150405"
	if len(timeStr) == 4 {
		layout = "20060102_1504"
	}
	t, err := time.Parse(layout, dateStr+"_"+timeStr)
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, channel, filename), nil
}
