package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) InsertMessage(ctx context.Context, msg Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}
func (m *MockChatRepository) FindMessagesByRoom(ctx context.Context, room string) ([]Message, error) {
	args := m.Called(ctx, room)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) MarkMessageRemoved(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockLookupRepository struct {
	mock.Mock
}

func (m *MockLookupRepository) GetRoomOwner(ctx context.Context, room string) (string, error) {
	args := m.Called(ctx, room)
	return args.String(0), args.Error(1)
}
func (m *MockLookupRepository) GetAvatarURL(ctx context.Context, userId string) (string, error) {
	args := m.Called(ctx, userId)
	return args.String(0), args.Error(1)
}
