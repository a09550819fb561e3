package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSPublisher resolves the queue url for name.
func NewSQSPublisher(ctx context.Context, client SQSAPI, name string) (*SQSPublisher, error) {
	resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("get queue url %s: %w", name, err)
	}
	return &SQSPublisher{client: client, queueURL: aws.ToString(resp.QueueUrl)}, nil
}

func (p *SQSPublisher) Publish(ctx context.Context, ev ConsultationCompleted) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String("consultation.completed")},
		},
	})
	return err
}
