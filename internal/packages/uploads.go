package packages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
)

// MaxUploadBytes is the largest archive accepted.
const MaxUploadBytes = 100 << 20

// UploadFile is one archive waiting on local disk to be registered.
type UploadFile struct {
	Name string // original file name
	Path string
}

// UploadSummary counts the outcome of one upload batch.
type UploadSummary struct {
	UploadID string `json:"uploadId"`
	Total    int    `json:"total"`
	Current  int    `json:"current"`
	Success  int    `json:"success"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
}

// Uploads stores uploaded plugin and theme archives and their version rows.
type Uploads struct {
	store  *store.Store
	dir    string
	events events.Publisher
	logger *slog.Logger
}

// NewUploads keeps archives under dir.
func NewUploads(st *store.Store, dir string, pub events.Publisher, logger *slog.Logger) *Uploads {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploads{store: st, dir: dir, events: pub, logger: logger}
}

// Register classifies one archive, copies it into the archive directory and
// records it. An already known (kind, slug, version) returns store.ErrDuplicate.
func (u *Uploads) Register(ctx context.Context, file UploadFile) (models.UploadedPackage, Detected, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return models.UploadedPackage{}, Detected{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return models.UploadedPackage{}, Detected{}, err
	}
	if info.Size() > MaxUploadBytes {
		return models.UploadedPackage{}, Detected{}, errors.New("exceeds 100MB limit")
	}
	head := make([]byte, 4)
	if _, err := f.ReadAt(head, 0); err != nil || !IsZip(file.Name, head) {
		return models.UploadedPackage{}, Detected{}, errors.New("not a ZIP archive")
	}
	detected, err := Classify(f, info.Size())
	if err != nil {
		return models.UploadedPackage{}, Detected{}, err
	}

	dest := filepath.Join(u.dir, string(detected.Kind)+"s", detected.Slug,
		fmt.Sprintf("%s-%s-%s.zip", detected.Slug, unsafeAssetChars.ReplaceAllString(detected.Version, "-"), uuid.NewString()[:8]))
	if err := copyFile(f, dest); err != nil {
		return models.UploadedPackage{}, detected, fmt.Errorf("store archive: %w", err)
	}
	up, err := u.store.CreateUpload(ctx, models.UploadedPackage{
		Kind:        detected.Kind,
		Slug:        detected.Slug,
		Version:     detected.Version,
		Title:       detected.Title,
		ArchivePath: dest,
	})
	if err != nil {
		_ = os.Remove(dest)
		return models.UploadedPackage{}, detected, err
	}
	return up, detected, nil
}

// RegisterBatch registers files in order and reports progress on the upload
// channel, ending with exactly one complete event.
func (u *Uploads) RegisterBatch(ctx context.Context, files []UploadFile) UploadSummary {
	sum := UploadSummary{UploadID: uuid.NewString(), Total: len(files)}
	send := func(typ events.Type, msg string, extra map[string]any) {
		data := map[string]any{
			"total":   sum.Total,
			"current": sum.Current,
			"success": sum.Success,
			"failed":  sum.Failed,
			"skipped": sum.Skipped,
		}
		for k, v := range extra {
			data[k] = v
		}
		u.events.Publish(events.Event{Channel: events.ChannelUpload, Type: typ, Message: msg, TargetID: sum.UploadID, Data: data})
	}

	send(events.TypeLog, fmt.Sprintf("Starting upload for %d file(s)...", len(files)), nil)
	send(events.TypeProgress, "Upload started", nil)
	for _, file := range files {
		up, detected, err := u.Register(ctx, file)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			sum.Skipped++
			send(events.TypeLog, fmt.Sprintf("%s: skipped duplicate %s (%s %s)", file.Name, detected.Kind, detected.Slug, detected.Version),
				map[string]any{"fileName": file.Name, "packageType": detected.Kind, "result": "skipped"})
		case err != nil:
			sum.Failed++
			send(events.TypeError, fmt.Sprintf("%s: %v", file.Name, err), nil)
		default:
			sum.Success++
			u.logger.Info("package uploaded", "kind", up.Kind, "slug", up.Slug, "version", up.Version, "latest", up.IsLatest)
			send(events.TypeLog, fmt.Sprintf("%s: %s uploaded (%s %s)", file.Name, up.Kind, up.Slug, up.Version),
				map[string]any{"fileName": up.Slug + ".zip", "packageType": up.Kind, "result": "success"})
		}
		sum.Current++
		send(events.TypeProgress, fmt.Sprintf("Processed %d/%d: %s", sum.Current, sum.Total, file.Name),
			map[string]any{"fileName": file.Name})
	}
	send(events.TypeComplete, fmt.Sprintf("Upload completed: %d successful, %d failed, %d skipped", sum.Success, sum.Failed, sum.Skipped),
		map[string]any{"done": true})
	return sum
}

// Delete removes one uploaded version and its archive.
func (u *Uploads) Delete(ctx context.Context, id int64) error {
	up, err := u.store.DeleteUpload(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(up.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("remove archive failed", "path", up.ArchivePath, "error", err)
	}
	return nil
}

func copyFile(src io.ReaderAt, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.NewSectionReader(src, 0, MaxUploadBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
