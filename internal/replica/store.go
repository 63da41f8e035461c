package replica

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

const (
	MediaTypeSnapshot types.MediaType = "application/vnd.zkap.replica.snapshot.v1+cbor+zstd"
	MediaTypeEvents   types.MediaType = "application/vnd.zkap.replica.events.v1+cbor+zstd"
)

// Replica is a downloaded snapshot and the event streams recorded after it,
// oldest first.
type Replica struct {
	Snapshot     []string
	EventStreams [][]string
}

// Store writes one replica image to an OCI registry.
type Store struct {
	cap  Capability
	opts []remote.Option
}

// NewStore targets reference, an OCI tag such as
// "registry.example.com/zkap/node-1:ledger".
func NewStore(reference string, opts ...remote.Option) (*Store, error) {
	tag, err := name.NewTag(reference)
	if err != nil {
		return nil, fmt.Errorf("replica reference %q: %w", reference, err)
	}
	return &Store{cap: Capability{Writable: true, Reference: tag}, opts: opts}, nil
}

// Capability is the read-write capability of the replica.
func (s *Store) Capability() Capability { return s.cap }

func (s *Store) remoteOptions(ctx context.Context) []remote.Option {
	return append([]remote.Option{remote.WithContext(ctx)}, s.opts...)
}

// PutSnapshot replaces the replica with a fresh image holding only the snapshot.
func (s *Store) PutSnapshot(ctx context.Context, statements []string) error {
	layer, err := snapshotLayer(statements)
	if err != nil {
		return err
	}
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return fmt.Errorf("build snapshot image: %w", err)
	}
	if err := remote.Write(s.cap.Reference, img, s.remoteOptions(ctx)...); err != nil {
		return fmt.Errorf("push snapshot to %s: %w", s.cap.Reference, err)
	}
	return nil
}

// AppendEvents adds an event stream layer to the existing replica.
// Events already present in an earlier layer are skipped by Download, so
// uploading a stream twice is harmless.
func (s *Store) AppendEvents(ctx context.Context, events []Event) error {
	base, err := remote.Image(s.cap.Reference, s.remoteOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("fetch replica %s: %w", s.cap.Reference, err)
	}
	data, err := EncodeEvents(events)
	if err != nil {
		return err
	}
	layer := static.NewLayer(data, MediaTypeEvents)
	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return fmt.Errorf("build event image: %w", err)
	}
	if err := remote.Write(s.cap.Reference, img, s.remoteOptions(ctx)...); err != nil {
		return fmt.Errorf("push events to %s: %w", s.cap.Reference, err)
	}
	return nil
}

func snapshotLayer(statements []string) (v1.Layer, error) {
	data, err := EncodeSnapshot(statements)
	if err != nil {
		return nil, err
	}
	return static.NewLayer(data, MediaTypeSnapshot), nil
}

// Download fetches the replica named by c.
func Download(ctx context.Context, c Capability, opts ...remote.Option) (*Replica, error) {
	opts = append([]remote.Option{remote.WithContext(ctx)}, opts...)
	img, err := remote.Image(c.Reference, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetch replica %s: %w", c.Reference, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("list replica layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: replica has no layers", ErrBadBundle)
	}

	r := &Replica{}
	// applied is the last event sequence already in r.
	var applied int64
	for i, layer := range layers {
		b, err := readLayer(layer)
		if err != nil {
			return nil, fmt.Errorf("replica layer %d: %w", i, err)
		}
		switch {
		case i == 0 && b.Kind == KindSnapshot:
			r.Snapshot = b.Statements
		case i > 0 && b.Kind == KindEvents:
			var fresh []string
			for j, seq := range b.Sequences {
				if seq > applied {
					fresh = append(fresh, b.Statements[j])
					applied = seq
				}
			}
			if len(fresh) > 0 {
				r.EventStreams = append(r.EventStreams, fresh)
			}
		default:
			return nil, fmt.Errorf("%w: unexpected %s layer at %d", ErrBadBundle, b.Kind, i)
		}
	}
	return r, nil
}

// readLayer reads the stored blob as-is; bundles carry their own compression.
func readLayer(layer v1.Layer) (Bundle, error) {
	rc, err := layer.Compressed()
	if err != nil {
		return Bundle{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Bundle{}, err
	}
	return Decode(data)
}
