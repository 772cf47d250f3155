package upload

import (
	"bytes"
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Transport is what Sender needs from the object store, narrowed to the
// one call site so tests can fake it without standing up real AWS
// credentials. S3Transport is the production implementation.
type Transport interface {
	PutObject(ctx context.Context, md Metadata, objectKey string, body []byte) error
}

// S3Transport lazily creates one manager.Uploader per AWS region (§4.4
// "if no transfer manager exists for the upload's region, create one"),
// each configured with the multipart threshold pinned to the campaign's
// configured part size and the bucket-owner guard applied to every
// PutObject/CreateMultipartUpload/UploadPart call via ExpectedBucketOwner.
type S3Transport struct {
	mu        sync.Mutex
	uploaders map[string]*manager.Uploader
}

func NewS3Transport() *S3Transport {
	return &S3Transport{uploaders: make(map[string]*manager.Uploader)}
}

func (t *S3Transport) uploaderFor(ctx context.Context, md Metadata) (*manager.Uploader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.uploaders[md.Region]; ok {
		return u, nil
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(md.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	u := manager.NewUploader(client, func(u *manager.Uploader) {
		if md.PartSize > 0 {
			u.PartSize = md.PartSize
		}
	})
	t.uploaders[md.Region] = u
	return u, nil
}

func (t *S3Transport) PutObject(ctx context.Context, md Metadata, objectKey string, body []byte) error {
	u, err := t.uploaderFor(ctx, md)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(md.Bucket),
		Key:    aws.String(md.Prefix + objectKey),
		Body:   bytes.NewReader(body),
	}
	if md.BucketOwner != "" {
		input.ExpectedBucketOwner = aws.String(md.BucketOwner)
	}
	_, err = u.Upload(ctx, input)
	return err
}
