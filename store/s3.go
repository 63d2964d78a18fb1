package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"

	"github.com/verdant-tech/gardenauth/core/logger"
)

// S3 is the implementation of the store Driver for AWS S3. Every document
// is a JSON object in the bucket.
//
// S3 has no conditional writes for this use case, so Update is serialized
// with a process-local mutex only. This can only give atomicity when
// running in a single instance configuration.
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
	mu          sync.Mutex
}

// S3Configuration contains the configuration for the S3 store
type S3Configuration struct {
	AWSRegion     string
	AccessID      string
	AccessKey     string
	AWSBucketName string
	KeyPrefix     string
}

// NewS3 returns a new S3 store
func NewS3(storeConfig S3Configuration) (*S3, error) {
	if storeConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	config, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(storeConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(storeConfig.AccessID, storeConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 store enabled")
	s := S3{config: config, bucket: storeConfig.AWSBucketName, baseKeyName: storeConfig.KeyPrefix}
	return &s, nil
}

// Read reads the document at path into value.
func (s *S3) Read(path string, value interface{}) (bool, error) {
	client := s3.NewFromConfig(s.config)

	out, err := client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + path),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, value)
}

// Write stores value as the document at path.
func (s *S3) Write(path string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	client := s3.NewFromConfig(s.config)

	_, err = client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + path),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("failed to upload document, %v", err)
	}
	return nil
}

// Update rewrites the document at path under the store mutex.
func (s *S3) Update(path string, modify func(raw json.RawMessage) (interface{}, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw json.RawMessage
	found, err := s.Read(path, &raw)
	if err != nil {
		return err
	}
	if !found {
		raw = nil
	}
	value, err := modify(raw)
	if err != nil {
		return err
	}
	if value == nil {
		return nil
	}
	return s.Write(path, value)
}

// Delete removes the document at path.
func (s *S3) Delete(path string) error {
	logger.Default().Infoln("Deleting ", s.baseKeyName+path)
	client := s3.NewFromConfig(s.config)

	_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + path),
	})
	if err != nil {
		logger.Default().Error("Could not delete ", s.baseKeyName+path)
		return err
	}
	return nil
}
