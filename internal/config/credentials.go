package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

// CredentialSource represents where credentials come from
type CredentialSource string

const (
	CredentialSourceNone        CredentialSource = "none"
	CredentialSourceEnvironment CredentialSource = "environment"
	CredentialSourceConfig      CredentialSource = "config"
	CredentialSourceIAMRole     CredentialSource = "iam-role"
)

// AWSCredentials holds AWS credential information
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Source          CredentialSource
}

// Static reports whether the keys must be passed to the SDK explicitly.
func (c *AWSCredentials) Static() bool {
	return c.Source == CredentialSourceEnvironment || c.Source == CredentialSourceConfig
}

// GetAWSCredentials picks the most secure available source: an IAM role,
// then AWS_* environment variables, then keys in the file.
func GetAWSCredentials(s3 S3Config) *AWSCredentials {
	if os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI") != "" ||
		os.Getenv("AWS_CONTAINER_CREDENTIALS_FULL_URI") != "" ||
		os.Getenv("AWS_EXECUTION_ENV") != "" {
		return &AWSCredentials{Source: CredentialSourceIAMRole}
	}

	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey != "" && secretKey != "" {
		return &AWSCredentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			Source:          CredentialSourceEnvironment,
		}
	}

	if s3.AccessKeyID != "" && s3.SecretKey != "" {
		logrus.Warn("AWS credentials found in config file; set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY instead")
		return &AWSCredentials{
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretKey,
			Source:          CredentialSourceConfig,
		}
	}

	// The SDK falls back to its default chain.
	return &AWSCredentials{Source: CredentialSourceNone}
}
