package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const (
	badgerScheme    = "badger://"
	badgerKeyPrefix = "artifact/"
)

// BadgerStore keeps artifact bytes as values in an embedded Badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any)   { l.logger.Error(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Warningf(msg string, items ...any) { l.logger.Warn(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Infof(msg string, items ...any)    { l.logger.Debug(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Debugf(msg string, items ...any)   { l.logger.Debug(fmt.Sprintf(msg, items...)) }

// OpenBadgerStore opens (or creates) a Badger database in dir. inMemory
// ignores dir and keeps everything in memory (used by tests).
func OpenBadgerStore(dir string, inMemory bool) (*BadgerStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}

	logger := slog.Default().With("component", "artifact")
	opts.Logger = &badgerLogger{logger: logger}
	// Uploads are mostly already-compressed media and documents.
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (b *BadgerStore) Put(ctx context.Context, id string, r io.Reader) (string, int64, error) {
	if err := validID(id); err != nil {
		return "", 0, err
	}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", 0, fmt.Errorf("reading artifact %s: %w", id, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+id), data)
	})
	if err != nil {
		return "", 0, fmt.Errorf("storing artifact %s: %w", id, err)
	}
	return badgerScheme + id, int64(len(data)), nil
}

func (b *BadgerStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	id, err := b.idFrom(location)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading artifact %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *BadgerStore) Delete(_ context.Context, location string) error {
	id, err := b.idFrom(location)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		key := []byte(badgerKeyPrefix + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) idFrom(location string) (string, error) {
	if !strings.HasPrefix(location, badgerScheme) {
		return "", fmt.Errorf("location %q does not belong to the badger store", location)
	}
	id := strings.TrimPrefix(location, badgerScheme)
	return id, validID(id)
}
