// Package objectstore keeps generated audio and subtitle artifacts in a NATS
// JetStream object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/tts-gateway/internal/audio"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	audioPrefix       = "audio/"
	subtitlePrefix    = "subtitles/"
	subtitleExtension = ".srt"

	// Metadata keys attached to stored artifacts.
	MetaRequestID   = "request-id"
	MetaContentType = "content-type"
)

// Content types of stored artifacts.
const (
	ContentTypeMPEG     = "audio/mpeg"
	ContentTypePCM      = "audio/L16"
	ContentTypeSubtitle = "application/x-subrip"
)

// ErrArtifactNotFound is returned when a key is not in the bucket.
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact describes one stored object.
type Artifact struct {
	Key         string `json:"key"`
	Size        uint64 `json:"size"`
	ContentType string `json:"content_type"`
	Digest      string `json:"digest,omitempty"`
}

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Generated speech artifacts for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// AudioKey is the object name of a request's assembled audio.
func AudioKey(requestID, format string) string {
	return audioPrefix + requestID + "." + audio.Extension(format)
}

// SubtitleKey is the object name of a request's SubRip subtitles.
func SubtitleKey(requestID string) string {
	return subtitlePrefix + requestID + subtitleExtension
}

// ContentTypeOf returns the MIME type stored with audio of format.
func ContentTypeOf(format string) string {
	container, err := audio.ContainerOf(format)
	if err == nil && container == audio.ContainerRaw {
		return ContentTypePCM
	}

	return ContentTypeMPEG
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: '%s' in bucket '%s'", ErrArtifactNotFound, key, n.bucket)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := n.Put(ctx, key, data, "", "")

	return err
}

// Put saves an artifact with its content type and originating request.
func (n *NatsObjectStore) Put(ctx context.Context, key string, data []byte, contentType, requestID string) (Artifact, error) {
	metadata := make(map[string]string, 2)
	if contentType != "" {
		metadata[MetaContentType] = contentType
	}

	if requestID != "" {
		metadata[MetaRequestID] = requestID
	}

	info, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    metadata,
		Opts:        nil,
	}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return Artifact{
		Key:         key,
		Size:        info.Size,
		ContentType: contentType,
		Digest:      info.Digest,
	}, nil
}

// Stat returns an artifact's description without its content.
func (n *NatsObjectStore) Stat(_ context.Context, key string) (Artifact, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return Artifact{}, fmt.Errorf("%w: '%s' in bucket '%s'", ErrArtifactNotFound, key, n.bucket)
		}

		return Artifact{}, fmt.Errorf("failed to stat object '%s': %w", key, err)
	}

	return Artifact{
		Key:         key,
		Size:        info.Size,
		ContentType: info.Metadata[MetaContentType],
		Digest:      info.Digest,
	}, nil
}

// Delete removes an artifact.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	if err := n.store.Delete(key); err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return fmt.Errorf("%w: '%s' in bucket '%s'", ErrArtifactNotFound, key, n.bucket)
		}

		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}

	return nil
}
