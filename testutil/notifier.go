package testutil

import (
	"context"

	"github.com/kasuganosora/engagement/notify"
	"github.com/stretchr/testify/mock"
)

// MockNotifier is a testify mock of notify.Notifier.
type MockNotifier struct{ mock.Mock }

// NewMockNotifier returns a mock that accepts every event.
func NewMockNotifier() *MockNotifier {
	m := &MockNotifier{}
	m.On("OnQuestCompleted", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("OnAchievementEarned", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("OnLevelUp", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockNotifier) OnQuestCompleted(ctx context.Context, e notify.Event) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockNotifier) OnAchievementEarned(ctx context.Context, e notify.Event) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockNotifier) OnLevelUp(ctx context.Context, e notify.Event) error {
	return m.Called(ctx, e).Error(0)
}

// Events returns the events passed to method, in call order.
func (m *MockNotifier) Events(method string) []notify.Event {
	var out []notify.Event
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c.Arguments.Get(1).(notify.Event))
		}
	}
	return out
}
