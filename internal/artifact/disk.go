package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const diskScheme = "disk://"

// DiskStore writes each artifact to its own file under root, sharded by
// the first two characters of the id.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) path(id string) string {
	shard := id
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(d.root, shard, id)
}

// Put streams r to a temporary file and renames it into place, so a
// location returned by Put always refers to complete bytes.
func (d *DiskStore) Put(ctx context.Context, id string, r io.Reader) (string, int64, error) {
	if err := validID(id); err != nil {
		return "", 0, err
	}
	final := d.path(id)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), id+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing artifact %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("syncing artifact %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("moving artifact %s into place: %w", id, err)
	}
	return diskScheme + id, n, nil
}

func (d *DiskStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	id, err := d.idFrom(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", id, err)
	}
	return f, nil
}

func (d *DiskStore) Delete(_ context.Context, location string) error {
	id, err := d.idFrom(location)
	if err != nil {
		return err
	}
	err = os.Remove(d.path(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (d *DiskStore) Close() error { return nil }

func (d *DiskStore) idFrom(location string) (string, error) {
	if !strings.HasPrefix(location, diskScheme) {
		return "", fmt.Errorf("location %q does not belong to the disk store", location)
	}
	id := strings.TrimPrefix(location, diskScheme)
	return id, validID(id)
}

// ctxReader stops a long copy once ctx is done.
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
