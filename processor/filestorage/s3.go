package filestorage

import (
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// AWSS3 mirrors job folders into an S3 bucket. Relative paths become
// object keys as-is.
type AWSS3 struct {
	bucket   string
	uploader *s3manager.Uploader
	S3Client *s3.S3
}

func NewAWSS3(region string, bucket string) (*AWSS3, error) {
	s3Session, err := session.NewSession(&aws.Config{
		Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}

	return &AWSS3{
		bucket:   bucket,
		uploader: s3manager.NewUploader(s3Session),
		S3Client: s3.New(s3Session),
	}, nil
}

func (b *AWSS3) Store(relpath string, r io.Reader) error {
	_, err := b.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(relpath),
		Body:   r,
	})
	return err
}

func (b *AWSS3) Exists(relpath string) bool {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(relpath),
	})
	return err == nil
}

func (b *AWSS3) Delete(relpath string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(relpath),
	})
	return err
}
