package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// maxSQSDelay is the longest DelaySeconds SQS accepts.
const maxSQSDelay = 15 * time.Minute

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue implements Queue on AWS/LocalStack SQS. SQS caps message delay at
// 15 minutes, so jobs further out are re-sent with a fresh delay each time
// they surface early. Results are not retained.
type SQSQueue struct {
	client      sqsAPI
	queueURL    string
	waitSeconds int32
	logger      *logging.Logger
}

// NewSQSQueue creates a queue wrapper around the provided SQS client.
func NewSQSQueue(client sqsAPI, queueURL string, logger *logging.Logger) *SQSQueue {
	if client == nil {
		panic("jobs: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("jobs: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSQueue{client: client, queueURL: queueURL, waitSeconds: 1, logger: logger}
}

func sqsDelay(runAt, now time.Time) int32 {
	d := runAt.Sub(now)
	if d <= 0 {
		return 0
	}
	if d > maxSQSDelay {
		d = maxSQSDelay
	}
	return int32(d / time.Second)
}

func (q *SQSQueue) send(ctx context.Context, job Job, now time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: sqsDelay(job.RunAt, now),
	})
	if err != nil {
		return fmt.Errorf("jobs: failed to send SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	if job.ID == "" || job.Name == "" {
		return Handle{}, errors.New("jobs: enqueue: id and name required")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := q.send(ctx, job, time.Now()); err != nil {
		return Handle{}, err
	}
	return job.handle(), nil
}

func (q *SQSQueue) Claim(ctx context.Context, now time.Time, max int) ([]Job, error) {
	if max <= 0 {
		return nil, nil
	}
	if max > 10 {
		max = 10
	}
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     q.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to receive SQS messages: %w", err)
	}

	due := make([]Job, 0, len(output.Messages))
	for _, msg := range output.Messages {
		receipt := aws.ToString(msg.ReceiptHandle)
		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			q.logger.Error("jobs: dropping undecodable SQS message", "message_id", aws.ToString(msg.MessageId), "error", err)
			q.delete(ctx, receipt)
			continue
		}
		if job.RunAt.After(now.Add(time.Second)) {
			if err := q.send(ctx, job, now); err != nil {
				q.logger.Error("jobs: re-defer failed", "job_id", job.ID, "error", err)
				continue
			}
			q.delete(ctx, receipt)
			continue
		}
		job.receipt = receipt
		due = append(due, job)
	}
	return due, nil
}

func (q *SQSQueue) Ack(ctx context.Context, job Job, result Result) error {
	if job.receipt == "" {
		return nil
	}
	if result.Status == StatusFailed {
		q.logger.Warn("jobs: job failed", "job_id", job.ID, "name", job.Name, "error", result.Error)
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(job.receipt),
	})
	if err != nil {
		return fmt.Errorf("jobs: failed to delete SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) {
	if receipt == "" {
		return
	}
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		q.logger.Warn("jobs: failed to delete SQS message", "error", err)
	}
}
