// Package objstore gives the renderers read access to the project object
// store: auxiliary-data presence checks and small-file downloads.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Credentials selects one S3 endpoint, in the shape stored in Vault.
type Credentials struct {
	AccessKey string
	SecretKey string
	Endpoint  string
	Region    string
}

// CredentialsFromSecret builds Credentials from a Vault secret's key/value
// pairs.
func CredentialsFromSecret(data map[string]string) (Credentials, error) {
	c := Credentials{
		AccessKey: data["access_key"],
		SecretKey: data["secret_key"],
		Endpoint:  data["endpoint_url"],
		Region:    data["region_name"],
	}
	if c.AccessKey == "" || c.SecretKey == "" || c.Endpoint == "" {
		return c, errors.New("s3 secret is missing access_key, secret_key or endpoint_url")
	}
	return c, nil
}

// Client wraps one S3 endpoint. Safe for concurrent use.
type Client struct {
	s3 *s3.Client
}

// NewClient builds a client for the endpoint described by creds.
func NewClient(ctx context.Context, creds Credentials) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 configuration: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(creds.Endpoint)
		o.UsePathStyle = true
	})
	return &Client{s3: client}, nil
}

// SplitURL splits an "s3://bucket/key/parts" URL into bucket and key.
func SplitURL(url string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(url, "s3://")
	if trimmed == url {
		return "", "", fmt.Errorf("not an s3 URL: %q", url)
	}
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 URL %q has no bucket", url)
	}
	return bucket, key, nil
}

// FolderExistsAndNotEmpty reports whether at least one object lives under
// the prefix.
func (c *Client) FolderExistsAndNotEmpty(ctx context.Context, bucket, prefix string) (bool, error) {
	out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
	}
	return len(out.Contents) > 0, nil
}

// ObjectExists reports whether the exact key exists.
func (c *Client) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("probing s3://%s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Download reads the whole object into memory. Meant for small metadata
// files such as INSPIRE.xml.
func (c *Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}
