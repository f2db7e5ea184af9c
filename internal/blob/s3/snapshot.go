package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// DefaultSnapshotPrefix is where container snapshots are written.
const DefaultSnapshotPrefix = "snapshots/containers/"

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// SnapshotDoc is the stored form of one snapshot.
type SnapshotDoc struct {
	TakenAt    time.Time          `json:"taken_at"`
	Containers []domain.Container `json:"containers"`
}

// SnapshotStore archives container state and loads the newest archive for
// warm starts.
type SnapshotStore struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	deleter domain.BlobDeleter
	prefix  string
}

// NewSnapshotStore creates a store rooted at prefix. deleter may be nil,
// which disables Prune.
func NewSnapshotStore(w domain.BlobWriter, r domain.BlobReader, d domain.BlobDeleter, prefix string) *SnapshotStore {
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &SnapshotStore{writer: w, reader: r, deleter: d, prefix: prefix}
}

// Key returns the object key for a snapshot taken at t, e.g.
//
//	snapshots/containers/2025/12/25/013000.json
func (s *SnapshotStore) Key(t time.Time) string {
	return s.prefix + t.UTC().Format("2006/01/02/150405") + ".json"
}

// Save uploads containers as one snapshot and returns its key.
func (s *SnapshotStore) Save(ctx context.Context, containers []domain.Container, at time.Time) (string, error) {
	buf, err := json.Marshal(SnapshotDoc{TakenAt: at.UTC(), Containers: containers})
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}

	key := s.Key(at)
	if len(buf) >= multipartThreshold {
		err = s.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = s.writer.Put(ctx, key, bytes.NewReader(buf), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: upload snapshot: %w", err)
	}
	return key, nil
}

// Latest loads the newest snapshot. It returns domain.ErrNotFound when none
// exists.
func (s *SnapshotStore) Latest(ctx context.Context) (SnapshotDoc, string, error) {
	infos, err := s.list(ctx)
	if err != nil {
		return SnapshotDoc{}, "", err
	}
	if len(infos) == 0 {
		return SnapshotDoc{}, "", fmt.Errorf("s3blob: no snapshot under %s: %w", s.prefix, domain.ErrNotFound)
	}
	key := infos[len(infos)-1].Path

	body, err := s.reader.Get(ctx, key)
	if err != nil {
		return SnapshotDoc{}, "", err
	}
	defer body.Close()

	var doc SnapshotDoc
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return SnapshotDoc{}, "", fmt.Errorf("s3blob: decode snapshot %s: %w", key, err)
	}
	return doc, key, nil
}

// LatestContainers returns the containers of the newest snapshot and when it
// was taken.
func (s *SnapshotStore) LatestContainers(ctx context.Context) ([]domain.Container, time.Time, error) {
	doc, _, err := s.Latest(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	return doc.Containers, doc.TakenAt, nil
}

// Prune deletes snapshots taken before cutoff, always keeping the newest
// one. It returns the number deleted.
func (s *SnapshotStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if s.deleter == nil {
		return 0, nil
	}
	infos, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	oldest := s.Key(cutoff)

	deleted := 0
	for i, info := range infos {
		if i == len(infos)-1 || info.Path >= oldest {
			break
		}
		if err := s.deleter.Delete(ctx, info.Path); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// list returns snapshot objects sorted oldest first. Keys embed their
// timestamp, so lexical order is time order.
func (s *SnapshotStore) list(ctx context.Context) ([]domain.BlobInfo, error) {
	all, err := s.reader.List(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, info := range all {
		if strings.HasSuffix(info.Path, ".json") {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
