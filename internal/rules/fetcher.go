// Package rules keeps the blocklist corpus current. Extra domains and
// keywords come from a YAML document in S3 and from hosts or plain lists
// over HTTP(S); each refresh merges them over the built-in corpus and swaps
// the classifier's rules in one step.
package rules

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dnsgate/internal/config"
	"dnsgate/internal/utils"
)

// NewS3Client builds an S3 client from the most secure credential source
// available for cfg.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	creds := config.GetAWSCredentials(cfg)

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if creds.Static() {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logrus.Infof("Using AWS credentials from: %s", creds.Source)
	return s3.NewFromConfig(awsCfg), nil
}

// ObjectGetter is the part of the S3 client the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher fetches rule documents from S3
type Fetcher struct {
	client ObjectGetter
	bucket string
	key    string
}

// NewFetcher creates a fetcher for one object.
func NewFetcher(client ObjectGetter, bucket, key string) *Fetcher {
	return &Fetcher{client: client, bucket: bucket, key: key}
}

// Source names the object for logs and audit events.
func (f *Fetcher) Source() string {
	return fmt.Sprintf("s3://%s/%s", f.bucket, f.key)
}

// FetchRules downloads and parses the rules document.
func (f *Fetcher) FetchRules(ctx context.Context) (*config.Rules, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rules from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := utils.ReadAllLimited(resp.Body, utils.MaxS3ObjectSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"version":  rules.Version,
		"domains":  len(rules.Domains),
		"keywords": len(rules.Keywords),
		"sources":  len(rules.Sources),
	}).Info("Fetched rules from S3")
	return rules, nil
}

// FetchRulesWithFallback falls back to a local copy when S3 fails.
func (f *Fetcher) FetchRulesWithFallback(ctx context.Context, localPath string) (*config.Rules, error) {
	rules, err := f.FetchRules(ctx)
	if err == nil {
		return rules, nil
	}
	if localPath == "" {
		return nil, err
	}
	logrus.WithError(err).Warn("Failed to fetch rules from S3, trying local fallback")
	return LoadRulesFile(localPath)
}

// LoadRulesFile reads a rules document from disk.
func LoadRulesFile(path string) (*config.Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := utils.ReadAllLimited(f, utils.MaxRulesFileSize)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules validates and decodes a YAML rules document.
func ParseRules(data []byte) (*config.Rules, error) {
	if err := utils.CheckYAML(data, utils.MaxRulesFileSize); err != nil {
		return nil, fmt.Errorf("YAML validation failed: %w", err)
	}

	var rules config.Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}

	limiter := utils.NewDomainLimiter(utils.MaxDomainsPerRule)
	if err := limiter.Add(len(rules.Domains) + len(rules.Keywords)); err != nil {
		return nil, err
	}
	return &rules, nil
}
