// Package cloud implements the S3-compatible object-storage Cache Provider
// tier. Stores are conditional PUTs (If-None-Match: *) so concurrent writers
// racing to populate the same content-addressed key never clobber a good
// object with a slow one; a 412/409 conflict from an existing object is
// treated as a successful store. Lifecycle (expiry) is delegated entirely to
// the bucket's own lifecycle policy, applied once at Init.
package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/fsnotify/fsnotify"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/provider"
)

const sourcePrefixMetaKey = "source-prefix"

// Tier is the S3-compatible provider. The client is held behind an atomic
// pointer so a credentials-file watcher can swap it in place without ever
// blocking an in-flight Fetch/Store.
type Tier struct {
	client atomic.Pointer[s3.Client]
	bucket string
	prefix string
	zone   blob.LatencyZone

	lifecycleDays  int
	forcePathStyle bool

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// Option configures a Tier.
type Option func(*Tier)

func WithLatencyZone(zone blob.LatencyZone) Option { return func(t *Tier) { t.zone = zone } }
func WithKeyPrefix(prefix string) Option {
	return func(t *Tier) {
		if prefix != "" {
			prefix = strings.TrimSuffix(prefix, "/") + "/"
		}
		t.prefix = prefix
	}
}
func WithLifecycleDays(days int) Option { return func(t *Tier) { t.lifecycleDays = days } }

// New loads AWS configuration via the standard credential chain (env vars,
// shared config, instance role) and returns a ready tier. Credentials are
// not held by the tier directly; rotation is the SDK's own responsibility,
// optionally accelerated by WithCredentialsFileWatch.
func New(ctx context.Context, bucket string, forcePathStyle bool, opts ...Option) (*Tier, error) {
	t := &Tier{bucket: bucket, zone: "cloud", forcePathStyle: forcePathStyle}
	for _, opt := range opts {
		opt(t)
	}

	client, err := newClient(ctx, forcePathStyle)
	if err != nil {
		return nil, err
	}
	t.client.Store(client)
	return t, nil
}

func newClient(ctx context.Context, forcePathStyle bool) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	}), nil
}

// WithCredentialsFileWatch starts an fsnotify watch on path (typically a
// mounted credentials or token file); any write/create/rename event
// reconstructs the AWS client in place via the standard credential chain, so
// rotated credentials take effect without reconstructing the Tier or the
// cascade above it. Structural config (bucket, region, path style) is not
// affected by this watch and still requires a new Tier.
func WithCredentialsFileWatch(path string) Option {
	return func(t *Tier) {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return
		}
		if err := w.Add(path); err != nil {
			w.Close()
			return
		}
		t.watcher = w
		t.stop = make(chan struct{})
		go t.watchCredentials()
	}
}

func (t *Tier) watchCredentials() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			client, err := newClient(ctx, t.forcePathStyle)
			cancel()
			if err != nil {
				continue
			}
			t.client.Store(client)
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		case <-t.stop:
			return
		}
	}
}

// Close releases the credentials watcher, if one was started.
func (t *Tier) Close() error {
	if t.watcher == nil {
		return nil
	}
	close(t.stop)
	return t.watcher.Close()
}

func (t *Tier) Name() string { return "cloud" }

func (t *Tier) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		RequiresInlineExecution: false,
		IsLocal:                 false,
		LatencyZone:             t.zone,
	}
}

// Init ensures the bucket exists and carries the configured lifecycle
// expiry rule. Safe to call repeatedly.
func (t *Tier) Init(ctx context.Context) error {
	_, err := t.client.Load().CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(t.bucket)})
	if err != nil {
		var baoby *types.BucketAlreadyOwnedByYou
		var bae *types.BucketAlreadyExists
		if !errors.As(err, &baoby) && !errors.As(err, &bae) {
			return fmt.Errorf("cloud: creating bucket: %w", err)
		}
	}

	if t.lifecycleDays <= 0 {
		return nil
	}
	_, err = t.client.Load().PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(t.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:         aws.String("cascade-expiry"),
					Status:     types.ExpirationStatusEnabled,
					Filter:     &types.LifecycleRuleFilter{Prefix: aws.String(t.prefix)},
					Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(t.lifecycleDays))},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cloud: setting lifecycle policy: %w", err)
	}
	return nil
}

func (t *Tier) objectKey(key cachekey.Key) string {
	return t.prefix + key.StoragePath()
}

func (t *Tier) Fetch(ctx context.Context, key cachekey.Key) (*provider.FetchResult, bool, error) {
	var result *provider.FetchResult
	err := cascadeerr.RetryTransientOnce(ctx, func(ctx context.Context) error {
		out, err := t.client.Load().GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.objectKey(key)),
		})
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return classify(err)
		}
		defer out.Body.Close()

		data, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return cascadeerr.ErrTransient
		}

		meta := provider.Metadata{}
		if out.ContentType != nil {
			meta.ContentType = *out.ContentType
		}
		if out.LastModified != nil {
			meta.CreatedUTC = *out.LastModified
		}
		result = &provider.FetchResult{Data: data, Metadata: meta}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	return result, true, nil
}

func (t *Tier) Store(ctx context.Context, key cachekey.Key, data []byte, meta provider.Metadata) error {
	return cascadeerr.RetryTransientOnce(ctx, func(ctx context.Context) error {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(t.bucket),
			Key:           aws.String(t.objectKey(key)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			IfNoneMatch:   aws.String("*"),
			Metadata:      map[string]string{sourcePrefixMetaKey: key.SourcePrefixHex()},
		}
		if meta.ContentType != "" {
			input.ContentType = aws.String(meta.ContentType)
		}

		_, err := t.client.Load().PutObject(ctx, input, func(o *s3.Options) {
			o.RetryMaxAttempts = 1
		})
		if err != nil {
			if isConditionalPutConflict(err) {
				// Content-addressed: an existing object under this key is
				// byte-identical, so the conflict is a successful no-op.
				return nil
			}
			return classify(err)
		}
		return nil
	})
}

func (t *Tier) Invalidate(ctx context.Context, key cachekey.Key) (bool, error) {
	err := cascadeerr.RetryTransientOnce(ctx, func(ctx context.Context) error {
		_, err := t.client.Load().DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.objectKey(key)),
		})
		if err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	// S3 DeleteObject does not distinguish "deleted" from "never existed";
	// cloud tiers report existed unconditionally per the provider contract.
	return true, nil
}

func (t *Tier) PurgeBySource(ctx context.Context, sourceHash [cachekey.HashSize]byte) (int, error) {
	probe := cachekey.Key{Source: sourceHash}
	sourceHex := probe.SourceHex()

	removed := 0
	var continuationToken *string
	for {
		out, err := t.client.Load().ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(t.bucket),
			Prefix:            aws.String(t.prefix + sourceHex[:4] + "/" + sourceHex),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return removed, classify(err)
		}
		for _, obj := range out.Contents {
			if _, err := t.client.Load().DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(t.bucket),
				Key:    obj.Key,
			}); err != nil {
				return removed, classify(err)
			}
			removed++
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return removed, nil
}

func (t *Tier) WantsToStore(_ cachekey.Key, _ int64, reason provider.Reason) bool {
	return reason != provider.NotQueried
}

// ProbablyContains is conservative: the cloud tier has no cheap local index,
// so it always reports true, deferring the real answer to Fetch.
func (t *Tier) ProbablyContains(cachekey.Key) bool { return true }

func (t *Tier) HealthCheck(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := t.client.Load().HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)})
	if err != nil {
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}

// classify maps an S3 SDK error onto the cascade's error taxonomy so callers
// never need to inspect AWS-specific error types.
func classify(err error) error {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch {
		case re.HTTPStatusCode() == http.StatusNotFound:
			return cascadeerr.ErrNotFound
		case re.HTTPStatusCode() == http.StatusTooManyRequests,
			re.HTTPStatusCode() >= 500:
			return fmt.Errorf("%w: %s", cascadeerr.ErrTransient, err)
		}
	}
	return err
}
