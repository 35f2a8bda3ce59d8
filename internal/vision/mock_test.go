package vision

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/quipufin/quipu/pkg/anthropic"
)

type mockModelClient struct {
	mock.Mock
}

func (m *mockModelClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}
