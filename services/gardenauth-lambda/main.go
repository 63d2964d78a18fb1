// The gardenauth service as an AWS Lambda function behind an API gateway
// proxy integration. Functionally identical to the server variant, minus
// the MQTT broker, which needs a long-running process.
package main

import (
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/verdant-tech/gardenauth/core/logger"
	"github.com/verdant-tech/gardenauth/garden/api"
	"github.com/verdant-tech/gardenauth/garden/notification"
	"github.com/verdant-tech/gardenauth/garden/registry"
	"github.com/verdant-tech/gardenauth/garden/tokens"
	"github.com/verdant-tech/gardenauth/store"
)

// Service holds the configuration for this service
type Service struct {
	SigningSecret    string        `env:"SIGNING_SECRET,required" description:"the process-wide secret for key derivation and token signing"`
	AdminPassword    string        `env:"ADMIN_PASSWORD,required" description:"the shared secret for the provisioning endpoint"`
	RefreshThreshold time.Duration `env:"REFRESH_THRESHOLD,default=45m" description:"age after which a cached device token is replaced"`
	TokenLifetime    time.Duration `env:"TOKEN_LIFETIME,default=1h" description:"nominal validity of issued tokens"`

	S3Bucket     string `env:"S3_BUCKET,required" description:"the S3 bucket for the document store"`
	S3KeyPrefix  string `env:"S3_KEY_PREFIX,default=gardenauth" description:"key prefix within the S3 bucket"`
	AWSRegion    string `env:"AWS_REGION,default=eu-central-1"`
	AWSAccessID  string `env:"AWS_ACCESS_ID"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY"`

	SQSQueueURL string `env:"SQS_QUEUE_URL"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	driver, err := store.New(store.Configuration{
		DriverType: store.DriverTypeAWSS3,
		S3Configuration: &store.S3Configuration{
			AWSRegion:     service.AWSRegion,
			AccessID:      service.AWSAccessID,
			AccessKey:     service.AWSAccessKey,
			AWSBucketName: service.S3Bucket,
			KeyPrefix:     service.S3KeyPrefix,
		},
	})
	if err != nil {
		panic(err)
	}

	var notifier notification.Notifier = notification.Log{}
	if service.SQSQueueURL != "" {
		notifier, err = notification.NewSQS(notification.SQSConfiguration{
			AWSRegion: service.AWSRegion,
			AccessID:  service.AWSAccessID,
			AccessKey: service.AWSAccessKey,
			QueueURL:  service.SQSQueueURL,
		})
		if err != nil {
			panic(err)
		}
	}

	router := mux.NewRouter()
	api.NewAPI(&api.Builder{
		Router:           router,
		Registry:         registry.New(driver),
		Issuer:           tokens.NewIssuer(&tokens.Builder{SigningSecret: service.SigningSecret, TokenLifetime: service.TokenLifetime}),
		SigningSecret:    service.SigningSecret,
		AdminPassword:    service.AdminPassword,
		RefreshThreshold: service.RefreshThreshold,
		Notifier:         notifier,
	})

	lambda.Start(api.LambdaHandler(router))
}
