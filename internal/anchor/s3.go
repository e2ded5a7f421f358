package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Publisher.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures an S3Publisher. The bucket must have Object Lock
// enabled when Retention is set.
type S3Config struct {
	Bucket    string
	Prefix    string
	Retention time.Duration
}

// S3Publisher stores anchors in an S3 bucket under compliance-mode
// object lock, so not even the bucket owner can delete them before the
// retention date.
type S3Publisher struct {
	client S3API
	cfg    S3Config
	now    func() time.Time
}

func NewS3Publisher(client S3API, cfg S3Config) (*S3Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &S3Publisher{client: client, cfg: cfg, now: time.Now}, nil
}

func (p *S3Publisher) key(chainID string, seq uint64) string {
	return path.Join(p.cfg.Prefix, objectName(chainID, seq))
}

func (p *S3Publisher) Publish(ctx context.Context, a *Anchor) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := p.key(a.ChainID, a.Sequence)
	in := &s3.PutObjectInput{
		Bucket:            aws.String(p.cfg.Bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(body),
		ContentType:       aws.String("application/json"),
		IfNoneMatch:       aws.String("*"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if p.cfg.Retention > 0 {
		in.ObjectLockMode = types.ObjectLockModeCompliance
		in.ObjectLockRetainUntilDate = aws.Time(p.now().Add(p.cfg.Retention))
	}

	if _, err := p.client.PutObject(ctx, in); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("%w: s3://%s/%s", ErrAnchorExists, p.cfg.Bucket, key)
		}
		return fmt.Errorf("uploading anchor: %w", err)
	}
	return nil
}

func (p *S3Publisher) Latest(ctx context.Context, chainID string) (*Anchor, error) {
	prefix := p.key(chainID, 0)
	prefix = prefix[:len(prefix)-len(path.Base(prefix))]

	var last string
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing anchors: %w", err)
		}
		for _, obj := range page.Contents {
			// Keys are zero-padded, so lexical order is sequence order.
			if k := aws.ToString(obj.Key); k > last {
				last = k
			}
		}
	}
	if last == "" {
		return nil, fmt.Errorf("%w for chain %s", ErrNoAnchor, chainID)
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(last),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching anchor %s: %w", last, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing anchor %s: %w", last, err)
	}
	return &a, nil
}
