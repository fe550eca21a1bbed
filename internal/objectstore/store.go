// Package objectstore is a filesystem-backed attachment bucket. Objects are
// private; reads go through signed URLs whose token is an HS256 JWT bound
// to one object key and expiring after a caller-chosen TTL.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

var (
	// ErrInvalidKey is returned for keys that are empty or not a plain file name.
	ErrInvalidKey = errors.New("objectstore: invalid key")

	// ErrObjectNotFound is returned when no object is stored under a key.
	ErrObjectNotFound = errors.New("objectstore: object not found")

	// ErrInvalidToken is returned when a signed token does not grant access
	// to the requested key.
	ErrInvalidToken = errors.New("objectstore: invalid token")
)

// Store keeps objects of one bucket under Dir/Bucket.
type Store struct {
	Dir     string
	Bucket  string
	BaseURL string // public origin used to build signed URLs, e.g. "http://localhost:8080"

	secret []byte
	now    func() time.Time
}

// New creates the bucket directory if needed and returns a Store.
func New(dir, bucket, baseURL string, secret []byte) (*Store, error) {
	if len(secret) == 0 {
		return nil, errors.New("objectstore: signing secret must not be empty")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("objectstore: bucket must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, bucket), 0o755); err != nil {
		return nil, err
	}
	return &Store{
		Dir:     dir,
		Bucket:  bucket,
		BaseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// NewKey returns a fresh object key carrying the extension of filename.
func NewKey(filename string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(filename))
}

func validKey(key string) bool {
	return key != "" &&
		key != "." && key != ".." &&
		!strings.ContainsAny(key, `/\`) &&
		filepath.Base(key) == key
}

// Path returns the filesystem path of key.
func (s *Store) Path(key string) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.Dir, s.Bucket, key), nil
}

// Put stores the content of r under key and returns the key. The object
// becomes visible only once fully written.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	dst, err := s.Path(key)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return key, nil
}

// Exists reports whether an object is stored under key.
func (s *Store) Exists(key string) bool {
	p, err := s.Path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Delete removes the object stored under key. Deleting a missing object
// succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetToken issues a signed URL for key valid for ttl. The returned
// expiry is truncated to whole seconds, matching the token claim.
func (s *Store) GetToken(ctx context.Context, key string, ttl time.Duration) (domain.AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccessToken{}, err
	}
	if !s.Exists(key) {
		return domain.AccessToken{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	now := s.now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Subject:   key,
		Audience:  jwt.ClaimStrings{s.Bucket},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return domain.AccessToken{}, err
	}
	return domain.AccessToken{
		Value:     s.BaseURL + "/files/" + url.PathEscape(key) + "?token=" + url.QueryEscape(signed),
		ExpiresAt: exp,
	}, nil
}

// Verify checks that token grants access to key at the current time.
func (s *Store) Verify(key, token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(s.Bucket),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != key {
		return fmt.Errorf("%w: token is for another object", ErrInvalidToken)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
