package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQS receive tuning. Visibility must exceed the pipeline budget plus ack
// latency so an in-flight message is not redelivered mid-processing.
const (
	sqsWaitTimeSeconds   = 20
	sqsMaxBatch          = 10
	sqsVisibilitySeconds = 60
)

// SQSQueue is the production queue on AWS SQS.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSQueue resolves AWS configuration from the environment and wraps the
// queue at queueURL.
func NewSQSQueue(ctx context.Context, queueURL, region string) (*SQSQueue, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("sqs: queue url is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs: send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 || max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     sqsWaitTimeSeconds,
		VisibilityTimeout:   sqsVisibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: receive messages: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:      aws.ToString(m.MessageId),
			Receipt: aws.ToString(m.ReceiptHandle),
			Body:    []byte(aws.ToString(m.Body)),
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete message: %w", err)
	}
	return nil
}
