package notification

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
)

// SQS is a Notifier that publishes events to an AWS SQS queue.
type SQS struct {
	config   aws.Config
	queueURL string
}

// SQSConfiguration contains the configuration for the SQS notifier
type SQSConfiguration struct {
	AWSRegion string
	AccessID  string
	AccessKey string
	QueueURL  string
}

// NewSQS returns a new SQS notifier
func NewSQS(sqsConfig SQSConfiguration) (*SQS, error) {
	if sqsConfig.QueueURL == "" {
		return nil, fmt.Errorf("QueueURL must not be empty")
	}

	config, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(sqsConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(sqsConfig.AccessID, sqsConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return &SQS{config: config, queueURL: sqsConfig.QueueURL}, nil
}

// Notify implements the Notifier interface
func (s *SQS) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	client := sqs.NewFromConfig(s.config)
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}
