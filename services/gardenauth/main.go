// The gardenauth service: device token issuance, provisioning and the
// claim protocol over HTTP, plus the MQTT sync broker.
package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/verdant-tech/gardenauth/core/csql"
	"github.com/verdant-tech/gardenauth/core/logger"
	"github.com/verdant-tech/gardenauth/garden/api"
	"github.com/verdant-tech/gardenauth/garden/mqtt"
	"github.com/verdant-tech/gardenauth/garden/notification"
	"github.com/verdant-tech/gardenauth/garden/registry"
	"github.com/verdant-tech/gardenauth/garden/tokens"
	"github.com/verdant-tech/gardenauth/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	SigningSecret    string        `env:"SIGNING_SECRET,required" description:"the process-wide secret for key derivation and token signing"`
	AdminPassword    string        `env:"ADMIN_PASSWORD,required" description:"the shared secret for the provisioning endpoint"`
	RefreshThreshold time.Duration `env:"REFRESH_THRESHOLD,default=45m" description:"age after which a cached device token is replaced"`
	TokenLifetime    time.Duration `env:"TOKEN_LIFETIME,default=1h" description:"nominal validity of issued tokens"`
	Port             string        `env:"PORT,default=3000" description:"the HTTP listen port"`
	MQTTAddress      string        `env:"MQTT_ADDRESS,default=:1883" description:"the MQTT listen address"`

	// document store, first configured driver wins: postgres, S3, local
	Postgres       string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=gardenauth" description:"the database schema for this service"`
	S3Bucket       string `env:"S3_BUCKET" description:"the S3 bucket for the document store"`
	S3KeyPrefix    string `env:"S3_KEY_PREFIX,default=gardenauth" description:"key prefix within the S3 bucket"`
	AWSRegion      string `env:"AWS_REGION,default=eu-central-1"`
	AWSAccessID    string `env:"AWS_ACCESS_ID"`
	AWSAccessKey   string `env:"AWS_ACCESS_KEY"`
	StorePath      string `env:"STORE_PATH" description:"base directory for the local filesystem store"`

	// event publishing, Kafka wins over SQS if both are configured
	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma-separated Kafka broker addresses"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=garden-events"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	var driver store.Driver
	var err error
	switch {
	case service.Postgres != "":
		db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
		defer db.Close()
		driver, err = store.New(store.Configuration{
			DriverType:            store.DriverTypePostgres,
			PostgresConfiguration: &store.PostgresConfiguration{DB: db},
		})
	case service.S3Bucket != "":
		driver, err = store.New(store.Configuration{
			DriverType: store.DriverTypeAWSS3,
			S3Configuration: &store.S3Configuration{
				AWSRegion:     service.AWSRegion,
				AccessID:      service.AWSAccessID,
				AccessKey:     service.AWSAccessKey,
				AWSBucketName: service.S3Bucket,
				KeyPrefix:     service.S3KeyPrefix,
			},
		})
	case service.StorePath != "":
		driver, err = store.New(store.Configuration{
			DriverType:         store.DriverTypeLocal,
			LocalConfiguration: &store.LocalConfiguration{BasePath: service.StorePath},
		})
	default:
		logger.Default().Warnln("no store configured, documents are kept in memory and lost on restart")
		driver, err = store.New(store.Configuration{DriverType: store.DriverTypeMemory})
	}
	if err != nil {
		panic(err)
	}

	var notifier notification.Notifier
	switch {
	case service.KafkaBrokers != "":
		kafkaNotifier := notification.NewKafka(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	case service.SQSQueueURL != "":
		notifier, err = notification.NewSQS(notification.SQSConfiguration{
			AWSRegion: service.AWSRegion,
			AccessID:  service.AWSAccessID,
			AccessKey: service.AWSAccessKey,
			QueueURL:  service.SQSQueueURL,
		})
		if err != nil {
			panic(err)
		}
	default:
		notifier = notification.Log{}
	}

	deviceRegistry := registry.New(driver)
	issuer := tokens.NewIssuer(&tokens.Builder{
		SigningSecret: service.SigningSecret,
		TokenLifetime: service.TokenLifetime,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	api.NewAPI(&api.Builder{
		Router:           router,
		Registry:         deviceRegistry,
		Issuer:           issuer,
		SigningSecret:    service.SigningSecret,
		AdminPassword:    service.AdminPassword,
		RefreshThreshold: service.RefreshThreshold,
		Notifier:         notifier,
	})

	broker := mqtt.NewBroker(&mqtt.Builder{
		Registry:      deviceRegistry,
		SigningSecret: service.SigningSecret,
		Address:       service.MQTTAddress,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	go http.ListenAndServe(":"+service.Port, router)

	broker.Run()
}
