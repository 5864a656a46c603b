// Package mocks provides hand-written testify mocks for the messaging layer.
package mocks

import (
	"context"

	"saga-server/internal/messaging"

	"github.com/stretchr/testify/mock"
)

type TurnCommitPublisherMock struct {
	mock.Mock
}

func (m *TurnCommitPublisherMock) PublishTurnCommit(ctx context.Context, payload messaging.TurnCommitPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func (m *TurnCommitPublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
