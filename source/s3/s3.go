// Package s3 polls an object store bucket for product snapshot files
// in JSON, NDJSON or Parquet format.
package s3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/parquet-go/parquet-go"

	"github.com/vitrinelabs/vitrine/source"
)

// SourceType is the registry name of this adapter.
const SourceType = "s3"

// Options configures an S3 source.
type Options struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	ForcePathStyle bool
	Format         string // json, ndjson or parquet
	PollInterval   time.Duration
	MaxObjectBytes int64
}

// Source polls a bucket and emits one envelope per decoded record.
// Objects already seen (by modification time, then key) are skipped on
// subsequent polls.
type Source struct {
	sourceID string
	opts     Options
	client   *s3.Client

	mu           sync.Mutex
	envChan      chan *source.Envelope
	stopChan     chan struct{}
	wg           sync.WaitGroup
	started      bool
	lastSeenTime time.Time
	lastSeenKey  string
}

// New builds an S3 source.
func New(sourceID string, opts Options) *Source {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = 10 * 1024 * 1024
	}
	return &Source{
		sourceID: sourceID,
		opts:     opts,
		stopChan: make(chan struct{}),
	}
}

// Subscribe returns the envelope channel.
func (s *Source) Subscribe(context.Context) (<-chan *source.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}
	return s.envChan, nil
}

// Start builds the client and launches the poll loop.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return source.NewError(s.sourceID, "start", fmt.Errorf("already started"))
	}
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.opts.Region),
	}
	if s.opts.AccessKey != "" && s.opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.opts.AccessKey, s.opts.SecretKey, s.opts.SessionToken)))
	}
	if s.opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: s.opts.Endpoint, HostnameImmutable: true}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return source.NewError(s.sourceID, "load aws config", err)
	}
	s.client = s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.UsePathStyle = s.opts.ForcePathStyle
	})

	s.started = true
	s.wg.Add(1)
	go s.poll(ctx)
	log.Printf("s3 source %s started (bucket=%s, format=%s)", s.sourceID, s.opts.Bucket, s.opts.Format)
	return nil
}

func (s *Source) poll(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.envChan)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	// First scan happens immediately.
	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Source) scan(ctx context.Context) {
	objects, err := s.listObjects(ctx)
	if err != nil {
		log.Printf("s3 source %s: list objects: %v", s.sourceID, err)
		return
	}
	objects = s.filterNewObjects(objects)
	for _, object := range objects {
		if err := s.emitObject(ctx, object); err != nil {
			log.Printf("s3 source %s: emit %s: %v", s.sourceID, aws.ToString(object.Key), err)
		}
	}
	s.updateCursor(objects)
}

func (s *Source) listObjects(ctx context.Context) ([]types.Object, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.opts.Bucket)}
	if s.opts.Prefix != "" {
		input.Prefix = aws.String(s.opts.Prefix)
	}

	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	sort.Slice(objects, func(i, j int) bool {
		left, right := objects[i], objects[j]
		lt, rt := aws.ToTime(left.LastModified), aws.ToTime(right.LastModified)
		if lt.Equal(rt) {
			return aws.ToString(left.Key) < aws.ToString(right.Key)
		}
		return lt.Before(rt)
	})
	return objects, nil
}

func (s *Source) filterNewObjects(objects []types.Object) []types.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Object
	for _, object := range objects {
		modified := aws.ToTime(object.LastModified)
		key := aws.ToString(object.Key)
		if modified.Before(s.lastSeenTime) {
			continue
		}
		if modified.Equal(s.lastSeenTime) && key <= s.lastSeenKey {
			continue
		}
		out = append(out, object)
	}
	return out
}

func (s *Source) updateCursor(objects []types.Object) {
	if len(objects) == 0 {
		return
	}
	last := objects[len(objects)-1]
	s.mu.Lock()
	s.lastSeenTime = aws.ToTime(last.LastModified)
	s.lastSeenKey = aws.ToString(last.Key)
	s.mu.Unlock()
}

func (s *Source) emitObject(ctx context.Context, object types.Object) error {
	key := aws.ToString(object.Key)
	if aws.ToInt64(object.Size) > s.opts.MaxObjectBytes {
		return fmt.Errorf("object %s exceeds %d bytes", key, s.opts.MaxObjectBytes)
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxObjectBytes+1))
	if err != nil {
		return err
	}
	if int64(len(payload)) > s.opts.MaxObjectBytes {
		return fmt.Errorf("object %s exceeds %d bytes", key, s.opts.MaxObjectBytes)
	}

	records, err := DecodePayload(payload, s.opts.Format)
	if err != nil {
		return fmt.Errorf("decode %s as %s: %w", key, s.opts.Format, err)
	}

	for _, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			continue
		}
		env := source.DecodeEnvelope(s.sourceID, raw)
		env.Metadata = map[string]string{"bucket": s.opts.Bucket, "key": key}
		select {
		case s.envChan <- env:
		default:
			log.Printf("s3 source %s: envelope channel full, dropping record from %s", s.sourceID, key)
		}
	}
	return nil
}

// Stop halts polling and waits for the loop.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// HealthCheck heads the bucket.
func (s *Source) HealthCheck(ctx context.Context) error {
	if s.client == nil {
		return source.NewError(s.sourceID, "health", fmt.Errorf("not started"))
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	if err != nil {
		return source.NewError(s.sourceID, "health", err)
	}
	return nil
}

// Metadata describes this source instance.
func (s *Source) Metadata() source.Metadata {
	return source.Metadata{
		SourceID:    s.sourceID,
		SourceType:  SourceType,
		Description: "S3 product snapshot poller",
		Labels: map[string]string{
			"bucket": s.opts.Bucket,
			"prefix": s.opts.Prefix,
			"format": s.opts.Format,
		},
	}
}

// DecodePayload splits an object body into individual records
// according to format.
func DecodePayload(payload []byte, format string) ([]map[string]interface{}, error) {
	switch strings.ToLower(format) {
	case "ndjson", "jsonl":
		return decodeNDJSON(payload)
	case "parquet":
		return decodeParquet(payload)
	case "json", "":
		return decodeJSON(payload)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func decodeJSON(payload []byte) ([]map[string]interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	switch typed := value.(type) {
	case []interface{}:
		records := make([]map[string]interface{}, 0, len(typed))
		for _, item := range typed {
			if record, ok := item.(map[string]interface{}); ok {
				records = append(records, record)
			}
		}
		return records, nil
	case map[string]interface{}:
		return []map[string]interface{}{typed}, nil
	default:
		return nil, fmt.Errorf("expected an object or array, got %T", value)
	}
}

func decodeNDJSON(payload []byte) ([]map[string]interface{}, error) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var records []map[string]interface{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func decodeParquet(payload []byte) ([]map[string]interface{}, error) {
	reader := parquet.NewGenericReader[map[string]interface{}](bytes.NewReader(payload))
	defer reader.Close()

	var records []map[string]interface{}
	batch := make([]map[string]interface{}, 256)
	for {
		n, err := reader.Read(batch)
		for i := 0; i < n; i++ {
			records = append(records, batch[i])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Factory builds S3 sources from configuration.
type Factory struct{}

func (Factory) Type() string { return SourceType }

func (Factory) ValidateConfig(config *source.Config) error {
	if source.StringOption(config.Config, "bucket", "") == "" {
		return fmt.Errorf("s3 source %s: bucket is required", config.SourceID)
	}
	switch strings.ToLower(source.StringOption(config.Config, "format", "json")) {
	case "json", "ndjson", "jsonl", "parquet":
	default:
		return fmt.Errorf("s3 source %s: format must be json, ndjson or parquet", config.SourceID)
	}
	return nil
}

func (f Factory) Create(config *source.Config) (source.Source, error) {
	return New(config.SourceID, Options{
		Bucket:         source.StringOption(config.Config, "bucket", ""),
		Prefix:         source.StringOption(config.Config, "prefix", ""),
		Region:         source.StringOption(config.Config, "region", ""),
		Endpoint:       source.StringOption(config.Config, "endpoint", ""),
		AccessKey:      source.StringOption(config.Config, "access_key", ""),
		SecretKey:      source.StringOption(config.Config, "secret_key", ""),
		SessionToken:   source.StringOption(config.Config, "session_token", ""),
		ForcePathStyle: source.BoolOption(config.Config, "force_path_style", false),
		Format:         source.StringOption(config.Config, "format", "json"),
		PollInterval:   time.Duration(source.IntOption(config.Config, "poll_interval_seconds", 60)) * time.Second,
		MaxObjectBytes: int64(source.IntOption(config.Config, "max_object_bytes", 10*1024*1024)),
	}), nil
}

func init() {
	source.RegisterFactory(Factory{})
}
