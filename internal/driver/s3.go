package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"fsledger/internal/engine"
)

// S3Config is the kind-specific configuration stored on an S3 mount. The
// custom endpoint and path-style options support S3-compatible stores.
type S3Config struct {
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`
}

// ParseS3Config decodes the config blob of an S3 mount.
func ParseS3Config(blob string) (S3Config, error) {
	var cfg S3Config
	if blob == "" {
		return cfg, fmt.Errorf("s3 mount requires a config blob")
	}
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return cfg, fmt.Errorf("decoding s3 config: %w", err)
	}
	return cfg, nil
}

// S3Driver stores mount data as objects in one bucket. Logical paths map
// to keys under an optional prefix; directories have no physical
// representation beyond their children's keys.
type S3Driver struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ engine.Driver = (*S3Driver)(nil)

// NewS3Driver creates a driver for the given bucket. When the config
// carries static credentials they override the default chain.
func NewS3Driver(ctx context.Context, bucket string, cfg S3Config) (*S3Driver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 driver requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Driver{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// key maps a logical path to an object key.
func (d *S3Driver) key(path string) string {
	k := strings.TrimPrefix(path, "/")
	if d.prefix != "" {
		k = d.prefix + "/" + k
	}
	return k
}

// countingReader tracks bytes consumed by the uploader so Write can report
// the stored size without trusting the declared length.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (d *S3Driver) Write(ctx context.Context, path string, r io.Reader, size int64) (int64, error) {
	counter := &countingReader{r: r}
	_, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
		Body:   counter,
	})
	if err != nil {
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}
	if size >= 0 && counter.n != size {
		return 0, &engine.BackendError{Op: "write", Path: path,
			Err: fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counter.n)}
	}
	return counter.n, nil
}

// EnsureDirectory is a no-op: object stores have no directories, the node
// tree carries the hierarchy.
func (d *S3Driver) EnsureDirectory(ctx context.Context, path string) error {
	return nil
}

func (d *S3Driver) Remove(ctx context.Context, path string) error {
	key := d.key(path)

	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &engine.BackendError{Op: "remove", Path: path, Err: err}
	}

	if err := d.removePrefix(ctx, key+"/"); err != nil {
		return &engine.BackendError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func (d *S3Driver) removePrefix(ctx context.Context, prefix string) error {
	var token *string
	for {
		page, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		if len(page.Contents) > 0 {
			ids := make([]types.ObjectIdentifier, len(page.Contents))
			for i, obj := range page.Contents {
				ids[i] = types.ObjectIdentifier{Key: obj.Key}
			}
			_, err = d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(d.bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
		}
		if page.NextContinuationToken == nil {
			return nil
		}
		token = page.NextContinuationToken
	}
}

func (d *S3Driver) MoveOrCopy(ctx context.Context, src, dst string, deleteSource bool) error {
	srcKey := d.key(src)
	dstKey := d.key(dst)

	// Copy the object at the source key itself, if any, then everything
	// under it. S3 has no server-side recursive copy.
	keys, err := d.listKeys(ctx, srcKey)
	if err != nil {
		return &engine.BackendError{Op: "move_or_copy", Path: src, Err: err}
	}

	for _, k := range keys {
		target := dstKey + strings.TrimPrefix(k, srcKey)
		_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(target),
			CopySource: aws.String(url.PathEscape(d.bucket + "/" + k)),
		})
		if err != nil {
			return &engine.BackendError{Op: "move_or_copy", Path: src, Err: err}
		}
	}

	if deleteSource {
		if err := d.Remove(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

// listKeys returns the key itself (if present) plus every key under it.
func (d *S3Driver) listKeys(ctx context.Context, key string) ([]string, error) {
	var keys []string
	seen := map[string]bool{}

	for _, prefix := range []string{key, key + "/"} {
		var token *string
		for {
			page, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(d.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return nil, err
			}
			for _, obj := range page.Contents {
				k := aws.ToString(obj.Key)
				// The bare-key listing matches sibling keys that merely
				// share the prefix; keep exact and child matches only.
				if k != key && !strings.HasPrefix(k, key+"/") {
					continue
				}
				if !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
			}
			if page.NextContinuationToken == nil {
				break
			}
			token = page.NextContinuationToken
		}
	}
	return keys, nil
}
