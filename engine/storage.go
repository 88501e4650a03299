package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/xiaot623/assist/config"
)

// Storage executes storage tools against an S3-compatible bucket.
type Storage struct {
	client *s3.Client
	bucket string
}

// NewStorage creates an S3-backed storage executor. Returns nil when no
// endpoint or bucket is configured, which disables storage tools.
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg.StorageBucket == "" {
		return nil, nil
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.StorageRegion),
	}
	if cfg.StorageAccessKey != "" && cfg.StorageSecretKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.StorageEndpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Storage{client: client, bucket: cfg.StorageBucket}, nil
}

// storageConfig is the execution_config for storage tools.
type storageConfig struct {
	Operation string `json:"operation"` // upload | get_url
	Prefix    string `json:"prefix"`
}

type uploadArgs struct {
	Path        string `json:"path"`
	ContentB64  string `json:"content_base64"`
	ContentType string `json:"content_type"`
}

type getURLArgs struct {
	Path      string `json:"path"`
	ExpiresIn int    `json:"expires_in"`
}

// Execute dispatches a storage tool call.
func (s *Storage) Execute(ctx context.Context, userID string, config, args json.RawMessage) (json.RawMessage, error) {
	var cfg storageConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	switch cfg.Operation {
	case "upload":
		return s.upload(ctx, userID, cfg.Prefix, args)
	case "get_url":
		return s.getURL(ctx, userID, cfg.Prefix, args)
	default:
		return nil, fmt.Errorf("unknown storage operation %q", cfg.Operation)
	}
}

func (s *Storage) objectKey(prefix, userID, p string) (string, error) {
	clean := path.Clean("/" + p)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	// Objects are always namespaced by user.
	return path.Join(prefix, userID, clean), nil
}

func (s *Storage) upload(ctx context.Context, userID, prefix string, args json.RawMessage) (json.RawMessage, error) {
	var ua uploadArgs
	if err := json.Unmarshal(args, &ua); err != nil {
		return nil, fmt.Errorf("invalid upload args: %w", err)
	}
	if ua.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := base64.StdEncoding.DecodeString(ua.ContentB64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content: %w", err)
	}

	key, err := s.objectKey(prefix, userID, ua.Path)
	if err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}
	if ua.ContentType != "" {
		input.ContentType = aws.String(ua.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("s3 put object: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"key":  key,
		"size": len(data),
	})
}

func (s *Storage) getURL(ctx context.Context, userID, prefix string, args json.RawMessage) (json.RawMessage, error) {
	var ga getURLArgs
	if err := json.Unmarshal(args, &ga); err != nil {
		return nil, fmt.Errorf("invalid get_url args: %w", err)
	}
	if ga.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	key, err := s.objectKey(prefix, userID, ga.Path)
	if err != nil {
		return nil, err
	}

	expires := time.Duration(ga.ExpiresIn) * time.Second
	if expires <= 0 {
		expires = 15 * time.Minute
	}

	presign := s3.NewPresignClient(s.client)
	req, err := presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return nil, fmt.Errorf("s3 presign: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"url":        req.URL,
		"expires_in": int(expires.Seconds()),
	})
}
