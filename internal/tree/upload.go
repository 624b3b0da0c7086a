package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/fruitsalade/flowshelf/internal/collision"
	"github.com/fruitsalade/flowshelf/internal/companion"
	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/metrics"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
)

// UploadFile is one workflow document in an upload batch.
type UploadFile struct {
	Filename string
	Content  []byte
}

// UploadedFile is a file written by Upload.
type UploadedFile struct {
	Filename string `json:"filename"` // name as submitted
	Path     string `json:"path"`     // relative path written, possibly suffixed
}

// UploadFailure is a file Upload rejected or could not write.
type UploadFailure struct {
	Filename string
	Err      error
}

// UploadResult reports per-file outcomes of a batch.
type UploadResult struct {
	Uploaded []UploadedFile
	Failed   []UploadFailure
}

// Upload writes each file into targetDir. A name that is already taken gets
// the suffix "_{N}" before the extension. Files are independent: one
// failure does not stop the rest. The returned error is non-nil only when
// the batch as a whole cannot proceed (bad or missing target directory).
func (m *Mutator) Upload(ctx context.Context, targetDir string, files []UploadFile, createDirs bool) (*UploadResult, error) {
	start := time.Now()

	dirAbs, err := m.resolver.Resolve("", targetDir)
	if err != nil {
		err = wrapError(OpUpload, targetDir, err)
		m.finish(ctx, OpUpload, targetDir, "", start, err)
		return nil, err
	}
	dirRel := m.resolver.Rel(dirAbs)

	unlock, err := m.lock(ctx, OpUpload, dirRel)
	if err != nil {
		m.finish(ctx, OpUpload, dirRel, "", start, err)
		return nil, err
	}
	defer unlock()

	if err := m.ensureUploadDir(dirAbs, dirRel, createDirs); err != nil {
		m.finish(ctx, OpUpload, dirRel, "", start, err)
		return nil, err
	}

	res := &UploadResult{}
	for _, f := range files {
		fileStart := time.Now()
		rel, err := m.uploadOne(dirAbs, f)
		m.finish(ctx, OpUpload, filepath.ToSlash(filepath.Join(dirRel, f.Filename)), rel, fileStart, err)
		metrics.RecordUploadFile(int64(len(f.Content)), err == nil)
		if err != nil {
			res.Failed = append(res.Failed, UploadFailure{Filename: f.Filename, Err: err})
			continue
		}
		res.Uploaded = append(res.Uploaded, UploadedFile{Filename: f.Filename, Path: rel})
		m.publish(events.Event{Type: events.EventUpload, Path: rel})
	}
	return res, nil
}

func (m *Mutator) ensureUploadDir(dirAbs, dirRel string, createDirs bool) error {
	info, err := os.Stat(dirAbs)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return newError(OpUpload, dirRel, ErrNotFound, "target is not a directory")
	case !errors.Is(err, fs.ErrNotExist):
		return ioError(OpUpload, dirRel, err)
	case !createDirs:
		return newError(OpUpload, dirRel, ErrNotFound, "target directory does not exist")
	}
	if err := os.MkdirAll(dirAbs, 0o755); err != nil {
		return ioError(OpUpload, dirRel, err)
	}
	m.publish(events.Event{Type: events.EventCreate, Path: dirRel, IsDir: true})
	return nil
}

func (m *Mutator) uploadOne(dirAbs string, f UploadFile) (string, error) {
	if err := sandbox.ValidateName(f.Filename); err != nil {
		return "", wrapError(OpUpload, f.Filename, err)
	}
	if !companion.IsWorkflow(f.Filename) {
		return "", newError(OpUpload, f.Filename, ErrUnsupportedType, "only %s files can be uploaded", companion.WorkflowExt)
	}
	if err := validateDocument(f.Content); err != nil {
		return "", wrapError(OpUpload, f.Filename, err)
	}

	for attempt := 1; ; attempt++ {
		name, err := collision.Free(dirAbs, f.Filename, collision.SchemeUpload)
		if err != nil {
			return "", ioError(OpUpload, f.Filename, err)
		}
		p := filepath.Join(dirAbs, name)
		err = writeNew(p, f.Content)
		if err == nil {
			return m.resolver.Rel(p), nil
		}
		if errors.Is(err, fs.ErrExist) && attempt < maxCreateAttempts {
			continue
		}
		return "", ioError(OpUpload, f.Filename, err)
	}
}

// validateDocument checks that data is UTF-8 encoded JSON.
func validateDocument(data []byte) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidDocument)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}
	return nil
}
