// Package sqsqueue implements queue.Queue on an AWS SQS FIFO queue.
package sqsqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barcode-identifier/barrel/internal/queue"
)

// Defaults of the production deployment.
const (
	DefaultQueueName  = "BarcodeQueue.fifo"
	DefaultGroupID    = "blast"
	DefaultWait       = 10 * time.Second
	DefaultVisibility = 1800 * time.Second
)

// API is the subset of the SQS client used by the queue.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config selects the queue and its timings.
type Config struct {
	QueueName  string
	QueueURL   string
	GroupID    string
	Wait       time.Duration
	Visibility time.Duration
	Backoff    queue.Backoff
}

var _ queue.Queue = (*Queue)(nil)

// Queue is an SQS FIFO job queue.
type Queue struct {
	api API
	url string
	cfg Config
}

// NewClient creates an SQS client from the default AWS configuration chain.
// A non-empty endpoint overrides the service endpoint.
func NewClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// New returns a Queue, resolving the queue URL from its name when needed.
func New(ctx context.Context, api API, cfg Config) (*Queue, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultGroupID
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = queue.DefaultBackoff
	}
	url := cfg.QueueURL
	if url == "" {
		out, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(cfg.QueueName)})
		if err != nil {
			return nil, errors.Wrapf(err, "resolve queue %s", cfg.QueueName)
		}
		url = aws.ToString(out.QueueUrl)
	}
	return &Queue{api: api, url: url, cfg: cfg}, nil
}

// Enqueue sends the run id. The run id is the deduplication id, so a run is
// queued at most once per deduplication window.
func (q *Queue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	id := runID.String()
	_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.url),
		MessageBody:            aws.String(id),
		MessageGroupId:         aws.String(q.cfg.GroupID),
		MessageDeduplicationId: aws.String(id),
	})
	if err != nil {
		return errors.Wrapf(err, "send run %s", id)
	}
	return nil
}

// Receive long-polls until a message arrives or ctx is done. Messages that
// do not carry a run id are deleted.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(q.url),
			MaxNumberOfMessages:         1,
			WaitTimeSeconds:             int32(q.cfg.Wait.Seconds()),
			VisibilityTimeout:           int32(q.cfg.Visibility.Seconds()),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "receive message")
		}
		if len(out.Messages) == 0 {
			continue
		}
		msg := out.Messages[0]
		receipt := aws.ToString(msg.ReceiptHandle)
		runID, err := uuid.Parse(aws.ToString(msg.Body))
		if err != nil {
			zctx.From(ctx).Warn("Dropping malformed message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
			if err := q.delete(ctx, receipt); err != nil {
				return nil, err
			}
			continue
		}
		attempt, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		return &queue.Delivery{RunID: runID, Attempt: max(attempt, 1), Receipt: receipt}, nil
	}
}

func (q *Queue) delete(ctx context.Context, receipt string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	return nil
}

// Ack deletes the message.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.delete(ctx, d.Receipt)
}

// Nack shortens the visibility timeout to the backoff delay of the attempt.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery) error {
	return q.visibility(ctx, d, q.cfg.Backoff.Delay(d.Attempt))
}

// Release makes the message visible now. SQS still counts the receive in
// ApproximateReceiveCount.
func (q *Queue) Release(ctx context.Context, d *queue.Delivery) error {
	return q.visibility(ctx, d, 0)
}

// Extend resets the visibility timeout to the configured visibility.
func (q *Queue) Extend(ctx context.Context, d *queue.Delivery) error {
	return q.visibility(ctx, d, q.cfg.Visibility)
}

func (q *Queue) visibility(ctx context.Context, d *queue.Delivery, timeout time.Duration) error {
	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: int32(timeout.Seconds()),
	})
	if err != nil {
		return errors.Wrapf(err, "change visibility of run %s", d.RunID)
	}
	return nil
}

// Depth returns ApproximateNumberOfMessages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	out, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, errors.Wrap(err, "get queue attributes")
	}
	n, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, errors.Wrap(err, "parse queue depth")
	}
	return n, nil
}
