package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pithecene-io/dredge/types"
)

// S3API is the object-store surface the bus sink uses. Satisfied by
// *s3.Client; stubbed in tests.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// BusConfig configures the S3 ingestion-bus sink.
type BusConfig struct {
	// Bucket is the bus bucket (required).
	Bucket string
	// RegistryID partitions the bus per upstream registry (required).
	RegistryID string
	// Region overrides the ambient AWS region when set.
	Region string
	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint string
}

// BusSink writes bundles onto the S3 ingestion bus under
// raw/<registry>/data/year=/month=/day=/<time>-<rand>/. The
// `metadata/_completed.json` marker makes a bundle visible downstream;
// `bundle_hashes/` markers give content-addressed dedup across runs.
type BusSink struct {
	client S3API
	cfg    BusConfig
	now    func() time.Time

	mu       sync.Mutex
	prefixes map[types.BID]string
}

var (
	_ Sink        = (*BusSink)(nil)
	_ BIDResolver = (*BusSink)(nil)
)

// NewBusSink builds a sink over ambient AWS credentials.
func NewBusSink(ctx context.Context, cfg BusConfig) (*BusSink, error) {
	if err := validateBusConfig(cfg); err != nil {
		return nil, err
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "load aws config", err)
	}
	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewBusSinkWithClient(s3.NewFromConfig(awsCfg, clientOpts...), cfg)
}

// NewBusSinkWithClient injects the object-store client. For tests.
func NewBusSinkWithClient(client S3API, cfg BusConfig) (*BusSink, error) {
	if err := validateBusConfig(cfg); err != nil {
		return nil, err
	}
	return &BusSink{
		client:   client,
		cfg:      cfg,
		now:      time.Now,
		prefixes: map[types.BID]string{},
	}, nil
}

func validateBusConfig(cfg BusConfig) error {
	if cfg.Bucket == "" {
		return types.NewError(types.KindConfiguration, "bus sink requires a bucket", nil)
	}
	if cfg.RegistryID == "" {
		return types.NewError(types.KindConfiguration, "bus sink requires a registry id", nil)
	}
	return nil
}

// registryRoot is the per-registry key root, shared across bundles.
func (s *BusSink) registryRoot() string {
	return path.Join("raw", s.cfg.RegistryID)
}

// prefix returns the bundle's stable data prefix, allocating it on
// first use.
func (s *BusSink) prefix(ref *types.BundleRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefixes[ref.BID]; ok {
		return p
	}
	t := s.now().UTC()
	p := path.Join(s.registryRoot(), "data",
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", int(t.Month())),
		fmt.Sprintf("day=%02d", t.Day()),
		fmt.Sprintf("%02d%02d%02d-%08x", t.Hour(), t.Minute(), t.Second(), rand.Uint32()),
	)
	s.prefixes[ref.BID] = p
	return p
}

func (s *BusSink) put(ctx context.Context, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	_, err := s.client.PutObject(ctx, in)
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

func (s *BusSink) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.put(ctx, key, body, "application/json")
}

// Begin implements Sink: the discovery marker is the first object under
// the bundle prefix.
func (s *BusSink) Begin(ctx context.Context, ref *types.BundleRef) error {
	marker := map[string]any{
		"bid":          string(ref.BID),
		"primaryUrl":   ref.PrimaryURL,
		"discoveredAt": s.now().UTC().Format(time.RFC3339),
	}
	return s.putJSON(ctx, path.Join(s.prefix(ref), "metadata", "_discovered.json"), marker)
}

// PutResource implements Sink. Content is buffered to compute the
// record hash; registry payloads are page- or file-sized.
func (s *BusSink) PutResource(ctx context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read resource %s: %w", rec.Name, err)
	}
	rec.Size = int64(len(body))
	rec.Hash = hashBytes(body)

	prefix := s.prefix(ref)
	contentType := ""
	if rec.Meta != nil {
		contentType = rec.Meta.ContentType
	}
	if err := s.put(ctx, path.Join(prefix, "content", rec.Name), body, contentType); err != nil {
		return err
	}
	return s.putJSON(ctx, path.Join(prefix, "metadata", rec.Name+".metadata.json"), rec)
}

// Finalize implements Sink. The completion marker is written last, so a
// crash mid-finalize leaves the bundle invisible.
func (s *BusSink) Finalize(ctx context.Context, ref *types.BundleRef, records []*ResourceRecord, meta map[string]any) (string, error) {
	prefix := s.prefix(ref)

	var manifest strings.Builder
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		manifest.Write(line)
		manifest.WriteByte('\n')
	}
	if err := s.put(ctx, path.Join(prefix, "metadata", "_manifest.jsonl"),
		[]byte(manifest.String()), "application/x-ndjson"); err != nil {
		return "", err
	}

	bundleHash := bundleContentHash(records)
	completed := map[string]any{
		"bid":         string(ref.BID),
		"primaryUrl":  ref.PrimaryURL,
		"resources":   len(records),
		"bundleHash":  bundleHash,
		"completedAt": s.now().UTC().Format(time.RFC3339),
		"meta":        meta,
	}
	if err := s.putJSON(ctx, path.Join(prefix, "metadata", "_completed.json"), completed); err != nil {
		return "", err
	}

	// Content-addressed markers for cross-run change detection.
	hashDoc := map[string]string{"bid": string(ref.BID), "storageKey": prefix}
	if err := s.putJSON(ctx, path.Join(s.registryRoot(), "bundle_hashes", bundleHash), hashDoc); err != nil {
		return "", err
	}
	if err := s.putJSON(ctx, path.Join(s.registryRoot(), "bundle_hashes", "_latest"), hashDoc); err != nil {
		return "", err
	}

	s.mu.Lock()
	delete(s.prefixes, ref.BID)
	s.mu.Unlock()
	return prefix, nil
}

// ResolveBID implements BIDResolver: a bundle whose content hash was
// seen before resolves to the BID that first stored it.
func (s *BusSink) ResolveBID(ctx context.Context, meta map[string]string) (types.BID, bool, error) {
	hash := meta["content_hash"]
	if hash == "" {
		return "", false, nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path.Join(s.registryRoot(), "bundle_hashes", hash)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup bundle hash %s: %w", hash, err)
	}
	defer func() { _ = out.Body.Close() }()

	var doc struct {
		BID string `json:"bid"`
	}
	if err := json.NewDecoder(out.Body).Decode(&doc); err != nil {
		return "", false, fmt.Errorf("decode bundle hash %s: %w", hash, err)
	}
	bid, err := types.ParseBID(doc.BID)
	if err != nil {
		return "", false, fmt.Errorf("bundle hash %s holds malformed bid: %w", hash, err)
	}
	return bid, true, nil
}

// Close implements Sink.
func (s *BusSink) Close() error { return nil }

// bundleContentHash hashes the sorted resource hashes, so resource
// order does not change bundle identity.
func bundleContentHash(records []*ResourceRecord) string {
	hashes := make([]string, 0, len(records))
	for _, rec := range records {
		hashes = append(hashes, rec.Hash)
	}
	sort.Strings(hashes)
	sum := sha256.Sum256([]byte(strings.Join(hashes, "\n")))
	return hex.EncodeToString(sum[:])
}
