// Package media resolves delivery media references into URLs the chat
// platform can fetch. References are either pass-through (http URLs,
// platform file ids) or s3:// keys into our own bucket, which get
// downscaled when oversized and handed out as presigned URLs.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"appliance-dispatch/internal/config"
)

const s3Scheme = "s3://"

// Resolver turns media references into sendable URLs.
type Resolver struct {
	client    *s3.Client
	presign   *s3.PresignClient
	bucket    string
	maxBytes  int64
	maxWidth  int
	urlExpiry time.Duration
}

// NewResolver builds a resolver. When no bucket is configured it still
// works for pass-through references and rejects s3:// ones.
func NewResolver(ctx context.Context, cfg config.Config) (*Resolver, error) {
	r := &Resolver{
		bucket:    cfg.MediaS3Bucket,
		maxBytes:  cfg.MediaMaxBytes,
		maxWidth:  cfg.PhotoMaxWidth,
		urlExpiry: 15 * time.Minute,
	}
	if cfg.MediaS3Bucket == "" {
		return r, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	r.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	})
	r.presign = s3.NewPresignClient(r.client)
	return r, nil
}

// ResolvePhoto returns a URL for a photo reference, downscaling stored
// images that exceed the configured width before handing them out.
func (r *Resolver) ResolvePhoto(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, s3Scheme) {
		return ref, nil
	}
	key := strings.TrimPrefix(ref, s3Scheme)

	data, err := r.fetch(ctx, key)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", key, err)
	}

	if r.maxWidth > 0 && img.Bounds().Dx() > r.maxWidth {
		img = imaging.Resize(img, r.maxWidth, 0, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return "", fmt.Errorf("encode image %s: %w", key, err)
		}
		key = key + ".scaled.jpg"
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("image/jpeg"),
		})
		if err != nil {
			return "", fmt.Errorf("upload scaled image %s: %w", key, err)
		}
	}

	return r.presignURL(ctx, key)
}

// ResolveDocument returns a URL for a document reference without
// transformation.
func (r *Resolver) ResolveDocument(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, s3Scheme) {
		return ref, nil
	}
	return r.presignURL(ctx, strings.TrimPrefix(ref, s3Scheme))
}

func (r *Resolver) fetch(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("media bucket not configured, cannot resolve %s", key)
	}
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch media %s: %w", key, err)
	}
	defer out.Body.Close()

	limited := io.LimitReader(out.Body, r.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", key, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("media %s too large (>%d bytes)", key, r.maxBytes)
	}
	return data, nil
}

func (r *Resolver) presignURL(ctx context.Context, key string) (string, error) {
	if r.presign == nil {
		return "", fmt.Errorf("media bucket not configured, cannot presign %s", key)
	}
	out, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("presign media %s: %w", key, err)
	}
	return out.URL, nil
}
