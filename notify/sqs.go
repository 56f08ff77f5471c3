package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/pithecene-io/dredge/types"
)

// SQSAPI is the queue surface the publisher uses. Satisfied by
// *sqs.Client; stubbed in tests.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig configures the SQS publisher.
type SQSConfig struct {
	// QueueURL is the target queue (required).
	QueueURL string
	// Region overrides the ambient AWS region when set.
	Region string
	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint string
}

// SQSPublisher sends one JSON message per completed bundle.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

var _ Publisher = (*SQSPublisher)(nil)

// NewSQSPublisher builds a publisher over ambient AWS credentials.
// Construction fails without a queue URL so misconfiguration surfaces
// at startup, not at the first completion.
func NewSQSPublisher(ctx context.Context, cfg SQSConfig) (*SQSPublisher, error) {
	if cfg.QueueURL == "" {
		return nil, types.NewError(types.KindConfiguration, "sqs publisher requires a queue url", nil)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "load aws config", err)
	}

	var clientOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return &SQSPublisher{
		client:   sqs.NewFromConfig(awsCfg, clientOpts...),
		queueURL: cfg.QueueURL,
	}, nil
}

// NewSQSPublisherWithClient injects the queue client. For tests.
func NewSQSPublisherWithClient(client SQSAPI, queueURL string) (*SQSPublisher, error) {
	if queueURL == "" {
		return nil, types.NewError(types.KindConfiguration, "sqs publisher requires a queue url", nil)
	}
	return &SQSPublisher{client: client, queueURL: queueURL}, nil
}

// PublishBundleCompleted implements Publisher.
func (p *SQSPublisher) PublishBundleCompleted(ctx context.Context, event *BundleCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return types.NewError(types.KindNetwork, "publish completion event", err).
			WithResource(event.BundleID).WithComponent("notify:sqs")
	}
	return nil
}

// Close implements Publisher.
func (p *SQSPublisher) Close() error { return nil }

// Stub records events in memory. Safe for concurrent publishers.
type Stub struct {
	mu     sync.Mutex
	events []*BundleCompleted

	// Fail, when set, is returned instead of recording the event.
	Fail error
}

var _ Publisher = (*Stub)(nil)

// PublishBundleCompleted implements Publisher.
func (s *Stub) PublishBundleCompleted(_ context.Context, event *BundleCompleted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of published events.
func (s *Stub) Events() []*BundleCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BundleCompleted, len(s.events))
	copy(out, s.events)
	return out
}

// Close implements Publisher.
func (s *Stub) Close() error { return nil }
