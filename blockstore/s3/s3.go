// Package s3 provides an S3-compatible object-storage Blockstore backend,
// adapted from the teacher mast library's persist/s3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	lru "github.com/hashicorp/golang-lru/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/cid"
)

// API is the subset of the S3 client the store needs; satisfied by
// *s3.S3 and by gofakes3's in-test server.
type API interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
}

// Store is a blockstore.Blockstore backed by an S3-compatible bucket.
// Every key already put is remembered in an LRU so repeated Puts of the
// same content-addressed block skip the network round trip.
type Store struct {
	api        API
	bucketName string
	prefix     string
	seen       *lru.LRU
	log        *logrus.Logger
}

// Option configures an S3 Store.
type Option func(*Store)

// WithLogger attaches a structured logger to the store.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.log = l }
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New returns a Store that stores and loads blocks as objects in the given
// bucket, each key prefixed by prefix.
func New(api API, bucketName, prefix string, opts ...Option) *Store {
	seen, err := lru.NewLRU(4096, nil)
	if err != nil {
		panic(err)
	}
	s := &Store{api: api, bucketName: bucketName, prefix: prefix, seen: seen, log: discardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(c cid.CID) string {
	return s.prefix + c.String()
}

func (s *Store) Get(ctx context.Context, c cid.CID) (blockstore.Block, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(c)),
	})
	if isNotFound(err) {
		return blockstore.Block{}, blockstore.ErrNotFound
	}
	if err != nil {
		return blockstore.Block{}, &blockstore.StoreIOError{Op: "get", Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return blockstore.Block{}, &blockstore.StoreIOError{Op: "read", Err: err}
	}
	return blockstore.Block{CID: c, Bytes: data}, nil
}

func (s *Store) Put(ctx context.Context, b blockstore.Block) error {
	key := s.key(b.CID)
	if _, ok := s.seen.Get(key); ok {
		return nil
	}
	if err := cid.Verify(b.CID, cid.CodecOf(b.CID), b.Bytes); err != nil {
		return err
	}
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(b.Bytes),
	})
	if err != nil {
		return &blockstore.StoreIOError{Op: "put", Err: err}
	}
	s.seen.Add(key, nil)
	s.log.WithField("cid", b.CID.String()).Debug("s3: put")
	return nil
}

func (s *Store) Has(ctx context.Context, c cid.CID) (bool, error) {
	key := s.key(c)
	if _, ok := s.seen.Get(key); ok {
		return true, nil
	}
	_, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, &blockstore.StoreIOError{Op: "head", Err: err}
	}
	return true, nil
}

// Entries is not supported by the S3 backend without a bucket listing
// client; callers needing full enumeration should use the file or memory
// backend, or extend API with ListObjectsV2WithContext.
func (s *Store) Entries(ctx context.Context, f func(blockstore.Block) error) error {
	return errors.New("s3: Entries requires bucket listing, not supported by this backend")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
