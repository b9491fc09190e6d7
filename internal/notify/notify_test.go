package notify_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"foodbridge/core/internal/notify"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, n notify.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func TestFormat(t *testing.T) {
	data := notify.Data{RequesterName: "Asha", FoodTitle: "Veg biryani", SenderName: "Ravi"}

	assert.Equal(t, "Asha requested your food: Veg biryani", notify.Format(notify.EventFoodRequest, data))
	assert.Equal(t, "Your request for Veg biryani has been accepted!", notify.Format(notify.EventRequestAccepted, data))
	assert.Equal(t, "Your request for Veg biryani has been declined.", notify.Format(notify.EventRequestRejected, data))
	assert.Equal(t, `Your food listing "Veg biryani" expires in 1 hour!`, notify.Format(notify.EventFoodExpiring, data))
	assert.Equal(t, "New message from Ravi", notify.Format(notify.EventNewMessage, data))
	assert.Equal(t, "You have a new notification", notify.Format(notify.Event("other"), data))
}

func TestNew_FormatsMessage(t *testing.T) {
	n := notify.New(notify.EventRequestAccepted, "r1", "l1", notify.Data{FoodTitle: "Soup"})
	assert.Equal(t, "r1", n.RecipientID)
	assert.Equal(t, "l1", n.ListingID)
	assert.Equal(t, "Your request for Soup has been accepted!", n.Message)
	assert.False(t, n.CreatedAt.IsZero())
}

func TestCompositeSender(t *testing.T) {
	n := notify.New(notify.EventNewMessage, "u1", "l1", notify.Data{SenderName: "Ravi"})

	ok := new(MockSender)
	ok.On("Send", mock.Anything, n).Return(nil)
	failing := new(MockSender)
	failing.On("Send", mock.Anything, n).Return(errors.New("inbox down"))

	cs := notify.NewCompositeSender(ok)
	cs.AddSender(failing)
	cs.AddSender(nil)

	err := cs.Send(context.Background(), n)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inbox down")
	ok.AssertExpectations(t)
	failing.AssertExpectations(t)

	assert.Error(t, notify.NewCompositeSender().Send(context.Background(), n))
}

func TestHookFunc(t *testing.T) {
	var got []notify.Notification
	hook := notify.HookFunc(func(_ context.Context, n notify.Notification) { got = append(got, n) })
	hook.Notify(context.Background(), notify.New(notify.EventFoodRequest, "d1", "l1", notify.Data{}))
	assert.Len(t, got, 1)

	notify.Nop.Notify(context.Background(), notify.Notification{})
}

func TestFileSender_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "notifications.jsonl")
	fs, err := notify.NewFileSender(path)
	require.NoError(t, err)

	require.NoError(t, fs.Send(context.Background(), notify.New(notify.EventFoodRequest, "d1", "l1", notify.Data{RequesterName: "Ravi", FoodTitle: "Idli"})))
	require.NoError(t, fs.Send(context.Background(), notify.New(notify.EventRequestAccepted, "r1", "l1", notify.Data{FoodTitle: "Idli"})))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []notify.Notification
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var n notify.Notification
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &n))
		got = append(got, n)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "Ravi requested your food: Idli", got[0].Message)
	assert.Equal(t, "r1", got[1].RecipientID)

	_, err = notify.NewFileSender("  ")
	assert.Error(t, err)
}
