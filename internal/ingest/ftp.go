package ingest

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
)

// FTPStream polls a bank-statement inbox directory. Files are expected to
// be named `<userID>_<anything>.<ext>`; the lexicographically greatest
// name already ingested is the cursor, so the inbox must use sortable
// names (the banks we pull from timestamp theirs).
type FTPStream struct {
	rawURL  string
	blobs   BlobStore
	timeout time.Duration
}

// NewFTPStream wires the statement inbox source.
func NewFTPStream(rawURL string, blobs BlobStore, timeout time.Duration) *FTPStream {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTPStream{rawURL: rawURL, blobs: blobs, timeout: timeout}
}

func (s *FTPStream) Name() string { return "ftp-inbox" }

// Fetch lists the inbox and downloads every file named after the cursor.
func (s *FTPStream) Fetch(ctx context.Context, cursor string, limit int) ([]Event, string, error) {
	host, dir, err := parseFTPURL(s.rawURL)
	if err != nil {
		return nil, cursor, err
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, cursor, eris.Wrap(err, "ingest: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, cursor, eris.Wrap(err, "ingest: ftp login")
	}

	entries, err := conn.List(dir)
	if err != nil {
		return nil, cursor, eris.Wrapf(err, "ingest: ftp list %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if e.Name <= cursor {
			continue
		}
		names = append(names, e.Name)
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	next := cursor
	var events []Event
	for _, name := range names {
		ev, err := s.download(conn, dir, name)
		if err != nil {
			// Stop at the first failure so the cursor never jumps past an
			// unread file.
			zap.L().Warn("ingest: ftp download failed",
				zap.String("file", name),
				zap.Error(err),
			)
			return events, next, nil
		}
		events = append(events, ev)
		next = name
	}
	return events, next, nil
}

func (s *FTPStream) download(conn *ftp.ServerConn, dir, name string) (Event, error) {
	resp, err := conn.Retr(strings.TrimSuffix(dir, "/") + "/" + name)
	if err != nil {
		return Event{}, eris.Wrapf(err, "ingest: ftp retrieve %s", name)
	}
	defer resp.Close() //nolint:errcheck

	userID := userIDFromName(name)
	ref, err := s.blobs.Put(userID, name, resp)
	if err != nil {
		return Event{}, err
	}

	now := time.Now().UTC()
	return Event{
		Document: model.Document{
			ID:         name,
			UserID:     userID,
			Channel:    "ftp",
			StorageRef: ref,
			FileName:   name,
			TypeHint:   model.GuessDocumentType(name),
			UploadedAt: now,
		},
		At: now,
	}, nil
}

// userIDFromName reads the `<userID>_` prefix convention; files without
// one land in a shared review bucket.
func userIDFromName(name string) string {
	if i := strings.Index(name, "_"); i > 0 {
		return name[:i]
	}
	return "statement-inbox"
}

// parseFTPURL splits an ftp:// URL into dialable host and directory path.
func parseFTPURL(rawURL string) (host, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "ingest: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("ingest: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		path = "/"
	}
	return host, path, nil
}
