// Package s3test drives an in-process gofakes3 server for exercising the
// blockstore/s3 backend without a real AWS account, adapted from the
// teacher mast library's persist/s3test.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Client starts a fake S3 server backed by in-memory storage, creates a
// randomly-named bucket, and returns a client pointed at it along with a
// close function that tears the server down.
func Client() (*s3.S3, string, func()) {
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())

	cfg := &aws.Config{
		Credentials:      credentials.NewStaticCredentials("TEST-ACCESSKEYID", "TEST-SECRETACCESSKEY", ""),
		Endpoint:         aws.String(ts.URL),
		Region:           aws.String("ca-west-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	}
	sess := session.New(cfg)
	client := s3.New(sess)

	bucketName := randBucketName()
	if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: &bucketName}); err != nil {
		ts.Close()
		panic(err)
	}

	return client, bucketName, ts.Close
}

func randBucketName() string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("bucket-%s", i)
}
