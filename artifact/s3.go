package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds the construction parameters of an S3 store.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string // prepended to every key
	Endpoint        string // custom endpoint, e.g. MinIO
	AccessKeyID     string // empty falls back to the default credentials chain
	SecretAccessKey string
	PathStyle       bool
}

// Environment variables used by OpenS3FromEnv:
//
//	CLOGLOG_ARTIFACT_S3_BUCKET (required)
//	CLOGLOG_ARTIFACT_S3_REGION (default us-east-1)
//	CLOGLOG_ARTIFACT_S3_PREFIX
//	CLOGLOG_ARTIFACT_S3_ENDPOINT
//	CLOGLOG_ARTIFACT_S3_PATH_STYLE=true|false
//	CLOGLOG_ARTIFACT_S3_ACCESS_KEY / CLOGLOG_ARTIFACT_S3_SECRET_KEY

// S3 is a Store in a single S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 store from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// OpenS3FromEnv constructs an S3 store from the process environment.
func OpenS3FromEnv(ctx context.Context) (*S3, error) {
	bucket := os.Getenv("CLOGLOG_ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("CLOGLOG_ARTIFACT_S3_BUCKET required for s3 driver")
	}
	return NewS3(ctx, S3Config{
		Bucket:          bucket,
		Region:          os.Getenv("CLOGLOG_ARTIFACT_S3_REGION"),
		Prefix:          os.Getenv("CLOGLOG_ARTIFACT_S3_PREFIX"),
		Endpoint:        os.Getenv("CLOGLOG_ARTIFACT_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("CLOGLOG_ARTIFACT_S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("CLOGLOG_ARTIFACT_S3_SECRET_KEY"),
		PathStyle:       strings.EqualFold(os.Getenv("CLOGLOG_ARTIFACT_S3_PATH_STYLE"), "true"),
	})
}

// Driver returns DriverS3.
func (s *S3) Driver() Driver { return DriverS3 }

// Put uploads the artifact.  The body is buffered so that the request
// can be signed.
func (s *S3) Put(ctx context.Context, key string, r io.Reader) (Info, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Info{}, err
	}
	okey := s.prefix + key
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &okey,
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
	})
	if err != nil {
		return Info{}, fmt.Errorf("s3 put %s: %w", okey, err)
	}
	log.Debugf("uploaded s3://%s/%s (%d bytes)", s.bucket, okey, len(b))
	return Info{Key: key, Size: int64(len(b))}, nil
}

// Get downloads the artifact.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	okey := s.prefix + key
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &okey})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 get %s: %w", okey, err)
	}
	return out.Body, nil
}

// List pages through the bucket and returns the artifacts whose key
// starts with prefix, sorted by key.
func (s *S3) List(ctx context.Context, prefix string) ([]Info, error) {
	full := s.prefix + prefix
	var infos []Info
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &full,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", full, err)
		}
		for _, obj := range out.Contents {
			infos = append(infos, Info{
				Key:          strings.TrimPrefix(aws.ToString(obj.Key), s.prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
