package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/realtime"
	"github.com/quipufin/quipu/pkg/telegram"
)

func newTelegramFixture() (*mockTelegram, *fakeBlobs, *captureEnqueuer, *realtime.Registry, *realtime.Mailbox, *TelegramStream) {
	tg := &mockTelegram{}
	blobs := &fakeBlobs{}
	enq := &captureEnqueuer{}
	registry := realtime.NewRegistry()
	mailbox := realtime.NewMailbox()
	stream := NewTelegramStream(tg, blobs, enq, registry, mailbox, 30)
	return tg, blobs, enq, registry, mailbox, stream
}

func documentUpdate(updateID, chatID int64, fileName, caption string) telegram.Update {
	return telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			Chat:    telegram.Chat{ID: chatID},
			Caption: caption,
			Document: &telegram.Document{
				FileID:   "file-1",
				FileName: fileName,
				MimeType: "image/jpeg",
			},
		},
	}
}

func textUpdate(updateID, chatID int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			Chat: telegram.Chat{ID: chatID},
			Text: text,
		},
	}
}

func TestTelegramStream_DocumentBecomesEvent(t *testing.T) {
	tg, blobs, _, _, _, stream := newTelegramFixture()
	ctx := context.Background()

	tg.On("GetUpdates", mock.Anything, int64(0), 25, 30).
		Return([]telegram.Update{documentUpdate(7, 1001, "boleta_jumbo.jpg", "")}, nil)
	tg.On("GetFile", mock.Anything, "file-1").
		Return(&telegram.File{FileID: "file-1", FilePath: "documents/file-1.jpg"}, nil)
	tg.On("DownloadFile", mock.Anything, "documents/file-1.jpg").
		Return(body("jpeg-bytes"), nil)

	events, next, err := stream.Fetch(ctx, "", 25)
	require.NoError(t, err)
	assert.Equal(t, "8", next)

	require.Len(t, events, 1)
	doc := events[0].Document
	assert.Equal(t, "1001", doc.UserID)
	assert.Equal(t, "telegram", doc.Channel)
	assert.Equal(t, "boleta_jumbo.jpg", doc.FileName)
	assert.Equal(t, model.DocTypeBoleta, doc.TypeHint)
	assert.Equal(t, []string{"1001/boleta_jumbo.jpg"}, blobs.refs)
}

func TestTelegramStream_ConfirmationTextEnqueuesResponse(t *testing.T) {
	tg, _, enq, _, _, stream := newTelegramFixture()
	ctx := context.Background()

	tg.On("GetUpdates", mock.Anything, int64(0), 25, 30).
		Return([]telegram.Update{
			textUpdate(1, 1001, "Sí, confirmo"),
			textUpdate(2, 1002, "hola, qué puedes hacer?"),
			textUpdate(3, 1003, "no, cancelar"),
		}, nil)

	events, next, err := stream.Fetch(ctx, "", 25)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "4", next)

	jobs := enq.snapshot()
	require.Len(t, jobs, 2)
	yes := jobs[0].(model.ConfirmationResponseJob)
	assert.Equal(t, "1001", yes.UserID)
	assert.True(t, yes.Confirmed)
	no := jobs[1].(model.ConfirmationResponseJob)
	assert.Equal(t, "1003", no.UserID)
	assert.False(t, no.Confirmed)
}

func TestTelegramStream_RegistersChannelAndDrainsMailbox(t *testing.T) {
	tg, _, _, registry, mailbox, stream := newTelegramFixture()
	ctx := context.Background()

	mailbox.Append("1001", model.NewAssistantMessage(model.MessageTypeNotification, "te esperaba", nil))
	tg.On("GetUpdates", mock.Anything, int64(0), 25, 30).
		Return([]telegram.Update{textUpdate(1, 1001, "hola")}, nil)
	tg.On("SendMessage", mock.Anything, int64(1001), "te esperaba").Return(nil)

	_, _, err := stream.Fetch(ctx, "", 25)
	require.NoError(t, err)

	assert.Equal(t, 0, mailbox.Depth("1001"))
	assert.True(t, registry.Active("1001"))
	tg.AssertCalled(t, "SendMessage", mock.Anything, int64(1001), "te esperaba")
}

func TestTelegramStream_BadCursor(t *testing.T) {
	_, _, _, _, _, stream := newTelegramFixture()

	_, cursor, err := stream.Fetch(context.Background(), "not-a-number", 25)
	require.Error(t, err)
	assert.Equal(t, "not-a-number", cursor)
}
