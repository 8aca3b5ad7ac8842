package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Options select the region, endpoint and credentials of the SQS client.
type Options struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. http://localhost:4566 for LocalStack.
	Endpoint string
	// AccessKeyID and SecretAccessKey force static credentials; empty uses the default chain.
	AccessKeyID     string
	SecretAccessKey string
}

// New creates an SQS client with optional custom endpoint (LocalStack).
func New(ctx context.Context, opts Options) (*sqs.Client, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return client, nil
}
