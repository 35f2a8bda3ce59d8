package ingest

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/confirm"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/realtime"
	"github.com/quipufin/quipu/pkg/telegram"
)

// BlobStore is where downloaded attachments land.
type BlobStore interface {
	Put(userID, filename string, r io.Reader) (string, error)
}

// TelegramStream turns bot updates into upload events. Text messages never
// become events: confirmations are enqueued directly and everything else
// is answered inline. The update offset is the cursor.
type TelegramStream struct {
	tg          telegram.Client
	blobs       BlobStore
	enqueuer    Enqueuer
	registry    *realtime.Registry
	mailbox     *realtime.Mailbox
	pollTimeout int
}

// NewTelegramStream wires the bot source.
func NewTelegramStream(tg telegram.Client, blobs BlobStore, enqueuer Enqueuer, registry *realtime.Registry, mailbox *realtime.Mailbox, pollTimeoutSecs int) *TelegramStream {
	if pollTimeoutSecs <= 0 {
		pollTimeoutSecs = 30
	}
	return &TelegramStream{
		tg:          tg,
		blobs:       blobs,
		enqueuer:    enqueuer,
		registry:    registry,
		mailbox:     mailbox,
		pollTimeout: pollTimeoutSecs,
	}
}

func (s *TelegramStream) Name() string { return "telegram" }

// Fetch long-polls getUpdates and handles each update. Attachments become
// events; the returned cursor acknowledges everything seen this round.
func (s *TelegramStream) Fetch(ctx context.Context, cursor string, limit int) ([]Event, string, error) {
	var offset int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, cursor, eris.Wrapf(err, "ingest: bad telegram cursor %q", cursor)
		}
		offset = parsed
	}

	updates, err := s.tg.GetUpdates(ctx, offset, limit, s.pollTimeout)
	if err != nil {
		return nil, cursor, eris.Wrap(err, "ingest: telegram getUpdates")
	}

	var events []Event
	next := cursor
	for _, u := range updates {
		next = strconv.FormatInt(u.UpdateID+1, 10)
		if u.Message == nil {
			continue
		}
		msg := u.Message
		userID := strconv.FormatInt(msg.Chat.ID, 10)

		s.touchSession(ctx, msg.Chat.ID, userID)

		switch {
		case msg.Document != nil:
			ev, err := s.download(ctx, userID, msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, msg.Caption)
			if err != nil {
				zap.L().Warn("ingest: telegram document download failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				continue
			}
			events = append(events, ev)
		case len(msg.Photo) > 0:
			fileID := msg.LargestPhoto()
			ev, err := s.download(ctx, userID, fileID, "photo_"+fileID+".jpg", "image/jpeg", msg.Caption)
			if err != nil {
				zap.L().Warn("ingest: telegram photo download failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				continue
			}
			events = append(events, ev)
		case msg.Text != "":
			s.handleText(ctx, userID, msg.Text)
		}
	}
	return events, next, nil
}

// touchSession registers this chat as the user's live channel and flushes
// anything the pipeline parked while they were away.
func (s *TelegramStream) touchSession(ctx context.Context, chatID int64, userID string) {
	s.registry.Register(userID, func(ctx context.Context, msg model.OutboundMessage) error {
		return s.tg.SendMessage(ctx, chatID, msg.Content)
	})

	for _, parked := range s.mailbox.Drain(userID) {
		if err := s.tg.SendMessage(ctx, chatID, parked.Content); err != nil {
			zap.L().Warn("ingest: mailbox flush failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			s.mailbox.Append(userID, parked)
			break
		}
	}
}

func (s *TelegramStream) handleText(ctx context.Context, userID, text string) {
	confirmed, ok := confirm.IsConfirmationMessage(text)
	if !ok {
		zap.L().Debug("ingest: non-confirmation text ignored", zap.String("user_id", userID))
		return
	}
	job := model.ConfirmationResponseJob{
		ID:         uuid.NewString(),
		UserID:     userID,
		Confirmed:  confirmed,
		RawMessage: text,
	}
	if err := s.enqueuer.Enqueue(ctx, job); err != nil {
		zap.L().Warn("ingest: confirmation response dropped",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (s *TelegramStream) download(ctx context.Context, userID, fileID, filename, mimeType, caption string) (Event, error) {
	f, err := s.tg.GetFile(ctx, fileID)
	if err != nil {
		return Event{}, eris.Wrapf(err, "ingest: getFile %s", fileID)
	}
	body, err := s.tg.DownloadFile(ctx, f.FilePath)
	if err != nil {
		return Event{}, eris.Wrapf(err, "ingest: download %s", f.FilePath)
	}
	defer body.Close() //nolint:errcheck

	ref, err := s.blobs.Put(userID, filename, body)
	if err != nil {
		return Event{}, err
	}

	hint := model.GuessDocumentType(filename + " " + caption)
	return Event{
		Document: model.Document{
			ID:         fileID,
			UserID:     userID,
			Channel:    "telegram",
			StorageRef: ref,
			FileName:   filename,
			MimeType:   mimeType,
			TypeHint:   hint,
			UploadedAt: time.Now().UTC(),
		},
		At: time.Now().UTC(),
	}, nil
}
