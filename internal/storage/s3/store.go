// Package s3 implements storage.Store against S3-compatible object storage.
// Documents are JSON envelopes carrying content, staged transactional
// metadata, and a version counter; conditional writes use ETag matching so
// concurrent writers resolve through CAS like any other backend.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/txns/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKeyID    string
	SecretKey      string
	SessionToken   string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
}

// Store implements storage.Store backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

type envelope struct {
	Content json.RawMessage  `json:"content,omitempty"`
	Txn     *storage.TxnMeta `json:"txn,omitempty"`
	Version uint64           `json:"version"`
}

// New constructs an S3 store and verifies client construction (not bucket
// reachability; the first operation surfaces that).
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3: endpoint required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretKey, cfg.SessionToken),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.Transport != nil {
		opts.Transport = cfg.Transport
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) objectKey(col storage.Collection, id string) string {
	return path.Join(s.cfg.Prefix, col.String(), id+".json")
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed
}

func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return storage.ErrTimeout
	default:
		return storage.NewTransientError(err)
	}
}

// load fetches the envelope plus the object ETag used for conditional writes.
func (s *Store) load(ctx context.Context, col storage.Collection, id string) (*envelope, string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.objectKey(col, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", classifyError(err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", classifyError(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		return nil, "", classifyError(err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, "", fmt.Errorf("s3: decode envelope %s/%s: %w", col, id, err)
	}
	return &env, stat.ETag, nil
}

// write persists env conditionally. An empty matchETag requires the object to
// not exist yet.
func (s *Store) write(ctx context.Context, col storage.Collection, id string, env *envelope, matchETag string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("s3: encode envelope: %w", err)
	}
	putOpts := minio.PutObjectOptions{ContentType: "application/json"}
	if matchETag != "" {
		putOpts.SetMatchETag(matchETag)
	} else {
		putOpts.SetMatchETagExcept("*")
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.objectKey(col, id), bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		if matchETag == "" && isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		return classifyError(err)
	}
	return nil
}

// casLoad fetches the envelope and verifies the caller's CAS before a
// conditional write. The returned ETag pins the version the write must
// replace.
func (s *Store) casLoad(ctx context.Context, col storage.Collection, id string, cas uint64) (*envelope, string, error) {
	env, etag, err := s.load(ctx, col, id)
	if err != nil {
		return nil, "", err
	}
	if cas != 0 && env.Version != cas {
		return nil, "", storage.ErrCASMismatch
	}
	return env, etag, nil
}

// Get returns the document, including staged metadata when present.
func (s *Store) Get(ctx context.Context, col storage.Collection, id string) (*storage.Document, error) {
	env, _, err := s.load(ctx, col, id)
	if err != nil {
		return nil, err
	}
	return &storage.Document{
		Content: env.Content,
		Txn:     env.Txn,
		CAS:     env.Version,
	}, nil
}

// Insert creates the document, failing when it already exists.
func (s *Store) Insert(ctx context.Context, col storage.Collection, id string, content json.RawMessage) (uint64, error) {
	env := &envelope{Content: content, Version: 1}
	if err := s.write(ctx, col, id, env, ""); err != nil {
		return 0, err
	}
	return env.Version, nil
}

// Replace overwrites content and clears staged metadata when the CAS matches.
func (s *Store) Replace(ctx context.Context, col storage.Collection, id string, content json.RawMessage, cas uint64) (uint64, error) {
	env, etag, err := s.casLoad(ctx, col, id, cas)
	if err != nil {
		return 0, err
	}
	next := &envelope{Content: content, Version: env.Version + 1}
	if err := s.write(ctx, col, id, next, etag); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// Remove deletes the document when the CAS matches.
func (s *Store) Remove(ctx context.Context, col storage.Collection, id string, cas uint64) error {
	_, etag, err := s.casLoad(ctx, col, id, cas)
	if err != nil {
		return err
	}
	opts := minio.RemoveObjectOptions{}
	if etag != "" {
		opts.SetMatchETag(etag)
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.objectKey(col, id), opts); err != nil {
		return classifyError(err)
	}
	return nil
}

// MutateTxn writes content and transactional metadata under one CAS guard.
func (s *Store) MutateTxn(ctx context.Context, col storage.Collection, id string, content json.RawMessage, meta *storage.TxnMeta, cas uint64) (uint64, error) {
	if cas == 0 {
		env := &envelope{Content: content, Txn: meta, Version: 1}
		if err := s.write(ctx, col, id, env, ""); err != nil {
			return 0, err
		}
		return env.Version, nil
	}
	env, etag, err := s.casLoad(ctx, col, id, cas)
	if err != nil {
		return 0, err
	}
	next := &envelope{Content: content, Txn: meta, Version: env.Version + 1}
	if err := s.write(ctx, col, id, next, etag); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// ListIDs enumerates document ids by prefix in ascending lexical order.
func (s *Store) ListIDs(ctx context.Context, col storage.Collection, prefix string) ([]string, error) {
	objPrefix := path.Join(s.cfg.Prefix, col.String()) + "/" + prefix
	var ids []string
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: objPrefix}) {
		if obj.Err != nil {
			return nil, classifyError(obj.Err)
		}
		base := path.Base(obj.Key)
		ids = append(ids, strings.TrimSuffix(base, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases backend resources.
func (s *Store) Close() error {
	return nil
}
