// Package docstore stores uploaded document blobs on the local filesystem
// and hands stable storage references to the rest of the pipeline.
package docstore

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Local keeps blobs under root/<userID>/<uid>_<filename> and resolves the
// relative storage refs back to absolute paths for the extractors.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, eris.New("docstore: root directory not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: resolve root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrapf(err, "docstore: create root %s", abs)
	}
	return &Local{root: abs}, nil
}

// Put streams a blob to disk and returns its storage reference. The ref is
// relative to the store root so the database stays portable across hosts.
func (s *Local) Put(userID, filename string, r io.Reader) (string, error) {
	name := sanitizeFilename(filename)
	ref := path.Join(sanitizeSegment(userID), uuid.NewString()[:8]+"_"+name)

	dst := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", eris.Wrapf(err, "docstore: create user dir for %s", userID)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", eris.Wrapf(err, "docstore: create %s", dst)
	}
	defer f.Close() //nolint:errcheck

	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(dst) //nolint:errcheck
		return "", eris.Wrapf(err, "docstore: write %s", dst)
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrapf(err, "docstore: close %s", dst)
	}

	zap.L().Debug("docstore: blob stored",
		zap.String("ref", ref),
		zap.Int64("bytes", n),
	)
	return ref, nil
}

// ResolvePath maps a storage ref to an absolute path, refusing refs that
// escape the store root.
func (s *Local) ResolvePath(storageRef string) (string, error) {
	if storageRef == "" {
		return "", eris.New("docstore: empty storage ref")
	}
	abs := filepath.Join(s.root, filepath.FromSlash(storageRef))
	abs = filepath.Clean(abs)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", eris.Errorf("docstore: ref %q escapes store root", storageRef)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", eris.Wrapf(err, "docstore: stat %s", storageRef)
	}
	return abs, nil
}

// Open returns the blob contents for a storage ref.
func (s *Local) Open(storageRef string) (io.ReadCloser, error) {
	p, err := s.ResolvePath(storageRef)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: open %s", storageRef)
	}
	return f, nil
}

// Read loads the whole blob, for the image stages that need raw bytes.
func (s *Local) Read(storageRef string) ([]byte, error) {
	p, err := s.ResolvePath(storageRef)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: read %s", storageRef)
	}
	return data, nil
}

// sanitizeFilename keeps only the base name and strips characters that
// would not survive a filesystem round trip.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = sanitizeSegment(name)
	if name == "" || name == "." {
		return "document" + "_" + time.Now().UTC().Format("20060102150405")
	}
	return name
}

func sanitizeSegment(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return strings.Trim(sb.String(), ".")
}
