package media

import (
	"context"
	"testing"

	"appliance-dispatch/internal/config"
)

func TestUnconfiguredResolverPassesThroughURLs(t *testing.T) {
	r, err := NewResolver(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	url, err := r.ResolvePhoto(context.Background(), "https://example.com/photo.jpg")
	if err != nil {
		t.Fatalf("resolve photo: %v", err)
	}
	if url != "https://example.com/photo.jpg" {
		t.Fatalf("expected pass-through, got %q", url)
	}

	url, err = r.ResolveDocument(context.Background(), "platform-file-id-123")
	if err != nil {
		t.Fatalf("resolve document: %v", err)
	}
	if url != "platform-file-id-123" {
		t.Fatalf("expected pass-through, got %q", url)
	}
}

func TestUnconfiguredResolverRejectsS3Refs(t *testing.T) {
	r, err := NewResolver(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if _, err := r.ResolvePhoto(context.Background(), "s3://photos/a.jpg"); err == nil {
		t.Fatal("expected error resolving s3 ref without a bucket")
	}
	if _, err := r.ResolveDocument(context.Background(), "s3://docs/a.pdf"); err == nil {
		t.Fatal("expected error resolving s3 ref without a bucket")
	}
}
