// Package mocks provides hand-written testify mocks for the generation
// backends.
package mocks

import (
	"context"

	"saga-server/internal/models"

	"github.com/stretchr/testify/mock"
)

type NarratorMock struct {
	mock.Mock
}

func (m *NarratorMock) GenerateEvent(ctx context.Context, userID, backstory string, history []models.Scene, action string) (string, error) {
	args := m.Called(ctx, userID, backstory, history, action)
	return args.String(0), args.Error(1)
}

func (m *NarratorMock) GenerateNarration(ctx context.Context, userID, backstory string, history []models.Scene, action, event string) (string, error) {
	args := m.Called(ctx, userID, backstory, history, action, event)
	return args.String(0), args.Error(1)
}

func (m *NarratorMock) GenerateProposedActions(ctx context.Context, userID, event, narration string) ([]string, error) {
	args := m.Called(ctx, userID, event, narration)
	if actions, ok := args.Get(0).([]string); ok {
		return actions, args.Error(1)
	}
	return nil, args.Error(1)
}

type ImageGeneratorMock struct {
	mock.Mock
}

func (m *ImageGeneratorMock) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	args := m.Called(ctx, prompt)
	if data, ok := args.Get(0).([]byte); ok {
		return data, args.Error(1)
	}
	return nil, args.Error(1)
}
