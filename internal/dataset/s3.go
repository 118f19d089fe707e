package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"riskgrid/internal/types"
)

// S3GetObjectAPI is the single S3 operation dataset streaming needs.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Getter adapts an S3 client to ObjectGetter.
type S3Getter struct {
	Client S3GetObjectAPI
}

// GetObject opens the object body. The caller closes it.
func (g S3Getter) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := g.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDataset,
				fmt.Sprintf("dataset object s3://%s/%s does not exist", bucket, key), err)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
