package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// RoutingKeyAttribute carries the routing key, SQS having no exchange
	RoutingKeyAttribute = "routing_key"

	sqsWaitSeconds = 20
)

// SQSConfig configures an SQSClient
type SQSConfig struct {
	QueueURL        string
	Region          string
	Endpoint        string // LocalStack or ElasticMQ
	AccessKeyID     string
	SecretAccessKey string
}

// SQSClient talks to a single SQS queue. Routing keys travel as a message
// attribute and the queue name passed to Receive is ignored.
type SQSClient struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSClient loads the AWS configuration and builds the client
func NewSQSClient(ctx context.Context, cfg SQSConfig) (*SQSClient, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SQSClient{client: client, queueURL: cfg.QueueURL}, nil
}

func (c *SQSClient) Publish(ctx context.Context, routingKey string, body []byte) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if routingKey != "" {
		input.MessageAttributes = map[string]sqstypes.MessageAttributeValue{
			RoutingKeyAttribute: {DataType: aws.String("String"), StringValue: aws.String(routingKey)},
		}
	}

	if _, err := c.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

type sqsMessage struct {
	id            string
	body          []byte
	receiptHandle string
	routingKey    string
}

func (m *sqsMessage) Body() []byte {
	return m.body
}

func (m *sqsMessage) ID() string {
	return m.id
}

// RoutingKey returns the routing key the message was published with
func (m *sqsMessage) RoutingKey() string {
	return m.routingKey
}

// Receive long-polls until a message arrives or ctx is done
func (c *SQSClient) Receive(ctx context.Context, _ string) (QueueMessage, error) {
	for {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       sqsWaitSeconds,
			MessageAttributeNames: []string{RoutingKeyAttribute},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive SQS message: %w", err)
		}

		if len(out.Messages) > 0 {
			m := out.Messages[0]
			msg := &sqsMessage{
				id:            aws.ToString(m.MessageId),
				body:          []byte(aws.ToString(m.Body)),
				receiptHandle: aws.ToString(m.ReceiptHandle),
			}
			if attr, ok := m.MessageAttributes[RoutingKeyAttribute]; ok {
				msg.routingKey = aws.ToString(attr.StringValue)
			}
			return msg, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Ack deletes the message from the queue
func (c *SQSClient) Ack(ctx context.Context, msg QueueMessage) error {
	m, ok := msg.(*sqsMessage)
	if !ok {
		return ErrInvalidMessage
	}

	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	return nil
}

func (c *SQSClient) Close() error {
	return nil
}
