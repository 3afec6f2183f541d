package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/conversation"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID  = 42
	logChat  = -500
	testChat = -100
)

type fixture struct {
	cfg   *config.Config
	cmds  *command.Registry
	convs *conversation.Registry
	d     *Dispatcher
	user  *messaging.MockClient
	bot   *messaging.MockClient

	mu     sync.Mutex
	faults []*HandlerFault
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := config.New()
	cfg.OwnerID = ownerID
	cfg.LogChat = logChat
	cfg.RaceGrace = 100 * time.Millisecond
	cfg.InFlightRelease = 500 * time.Millisecond

	f := &fixture{
		cfg:   cfg,
		cmds:  command.NewRegistry(),
		convs: conversation.NewRegistry(time.Second),
		user:  messaging.NewMockClient(models.IdentityUser, "user"),
		bot:   messaging.NewMockClient(models.IdentityBot, "bot"),
	}
	base := []Option{
		WithLogger(messaging.NewChannelLogger(logChat, f.bot)),
		WithFaultHook(func(_ context.Context, fault *HandlerFault) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.faults = append(f.faults, fault)
		}),
	}
	d, err := New(cfg, f.cmds, f.convs, append(base, opts...)...)
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) register(t *testing.T, name string, h command.Handler, opts ...command.Option) {
	t.Helper()
	require.NoError(t, f.cmds.Register([]string{name}, h, opts...))
	f.cmds.SetLoaded(true, name)
}

func (f *fixture) faultList() []*HandlerFault {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*HandlerFault(nil), f.faults...)
}

func newUpdate(chatID int64, id int, from int64, text string) *models.Update {
	return models.NewMessageUpdate(&models.Message{
		ID:   id,
		Chat: models.Chat{ID: chatID, Type: models.ChatTypeSupergroup},
		From: &models.User{ID: from},
		Text: text,
		Date: time.Now(),
	})
}

func logged(c *messaging.MockClient, chatID int64, substr string) bool {
	for _, m := range c.Sent() {
		if m.Chat.ID == chatID && strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

func TestDispatchRunsCommandAndDeletesOwnerMessage(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.register(t, "ping", func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		_, err := m.Reply(ctx, "pong")
		return err
	})

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 10, ownerID, ".ping"))
	assert.ErrorIs(t, err, ErrStopPropagation)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, f.user.WasDeleted(testChat, 10))
	assert.True(t, logged(f.user, testChat, "pong"))
	assert.Empty(t, f.d.Tasks().List())
}

func TestDispatchKeepsMessagesOfOtherUsers(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ping", func(context.Context, *message.Message) error { return nil })

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 11, 7, "!ping"))
	assert.ErrorIs(t, err, ErrStopPropagation)
	assert.False(t, f.user.WasDeleted(testChat, 11))
}

func TestDispatchIgnoresUnknownCommand(t *testing.T) {
	f := newFixture(t)
	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 12, ownerID, ".nothing"))
	assert.NoError(t, err)
	assert.Empty(t, f.user.Sent())
	assert.Empty(t, f.user.Deleted())
}

func TestDispatchDropsRepeatedText(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.register(t, "ping", func(context.Context, *message.Message) error {
		calls.Add(1)
		return nil
	})
	u := newUpdate(testChat, 13, 7, "!ping")

	assert.ErrorIs(t, f.d.Dispatch(context.Background(), f.user, u), ErrStopPropagation)
	assert.ErrorIs(t, f.d.Dispatch(context.Background(), f.user, u), ErrStopPropagation)
	assert.Equal(t, int32(1), calls.Load())

	edited := newUpdate(testChat, 13, 7, "!ping again")
	edited.Kind = models.UpdateEditedMessage
	edited.Message.EditDate = time.Now()
	require.ErrorIs(t, f.d.Dispatch(context.Background(), f.user, edited), ErrStopPropagation)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatchDropsStaleUpdates(t *testing.T) {
	now := time.Now()
	f := newFixture(t, WithClock(func() time.Time { return now.Add(7 * time.Hour) }))
	var calls atomic.Int32
	f.register(t, "ping", func(context.Context, *message.Message) error {
		calls.Add(1)
		return nil
	})

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 14, 7, "!ping"))
	assert.ErrorIs(t, err, ErrStopPropagation)
	assert.Zero(t, calls.Load())

	err = f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 14, 7, "!ping"), SkipReactionCheck())
	assert.ErrorIs(t, err, ErrStopPropagation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDualClientSuppression(t *testing.T) {
	f := newFixture(t, WithPairedClients(true))
	var calls atomic.Int32
	var ran sync.Map
	f.register(t, "ping", func(_ context.Context, m *message.Message) error {
		calls.Add(1)
		ran.Store(m.Client.Name(), true)
		return nil
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.d.Dispatch(ctx, f.user, newUpdate(testChat, 15, 7, "!ping"), SkipReactionCheck())
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		err := f.d.Dispatch(ctx, f.bot, newUpdate(testChat, 15, 7, "!ping"), SkipReactionCheck())
		assert.ErrorIs(t, err, ErrStopPropagation)
	}()
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	_, userRan := ran.Load("user")
	assert.True(t, userRan)
}

func TestDualClientSuppressionWithDefaultOptions(t *testing.T) {
	f := newFixture(t, WithPairedClients(true))
	release := make(chan struct{})
	var calls atomic.Int32
	f.register(t, "ping", func(_ context.Context, m *message.Message) error {
		calls.Add(1)
		if m.Client.Identity().IsUser() {
			<-release
		}
		return nil
	})
	ctx := context.Background()

	userDone := make(chan error, 1)
	go func() {
		userDone <- f.d.Dispatch(ctx, f.user, newUpdate(testChat, 19, 7, "!ping"))
	}()
	require.Eventually(t, func() bool {
		return f.d.Tasks().Running(models.MessageKey(testChat, 19))
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := f.d.Dispatch(ctx, f.bot, newUpdate(testChat, 19, 7, "!ping"))
	assert.ErrorIs(t, err, ErrStopPropagation)
	assert.GreaterOrEqual(t, time.Since(start), f.cfg.RaceGrace, "the bot waits the grace period before checking the claim")
	close(release)
	assert.ErrorIs(t, <-userDone, ErrStopPropagation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDualClientClaimSuppressesBeforeTextCache(t *testing.T) {
	f := newFixture(t, WithPairedClients(true))
	var calls atomic.Int32
	f.register(t, "ping", func(context.Context, *message.Message) error {
		calls.Add(1)
		return nil
	})
	ctx := context.Background()
	key := models.MessageKey(testChat, 21)
	require.NoError(t, f.d.opts.InFlight.Claim(ctx, key))

	err := f.d.Dispatch(ctx, f.bot, newUpdate(testChat, 21, 7, "!ping"))
	assert.ErrorIs(t, err, ErrStopPropagation)
	assert.Zero(t, calls.Load())
	_, seen, err := f.d.opts.TextCache.Last(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen, "a claimed update never reaches the repeated-text check")
}

func TestDualClientBotRunsUnclaimedUpdate(t *testing.T) {
	f := newFixture(t, WithPairedClients(true))
	var calls atomic.Int32
	f.register(t, "ping", func(context.Context, *message.Message) error {
		calls.Add(1)
		return nil
	})

	start := time.Now()
	f.d.Dispatch(context.Background(), f.bot, newUpdate(testChat, 16, 7, "!ping"))
	assert.Equal(t, int32(1), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), f.cfg.RaceGrace)
}

func TestDualClientClaimReleased(t *testing.T) {
	f := newFixture(t, WithPairedClients(true))
	f.cfg.InFlightRelease = 10 * time.Millisecond
	f.register(t, "ping", func(context.Context, *message.Message) error { return nil })

	f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 17, 7, "!ping"))
	require.Eventually(t, func() bool {
		claimed, _ := f.d.opts.InFlight.Claimed(context.Background(), models.MessageKey(testChat, 17))
		return !claimed
	}, time.Second, 5*time.Millisecond)
}

func TestBotModeDisablesRaceSuppression(t *testing.T) {
	f := newFixture(t, WithPairedClients(true))
	f.cfg.SetMode(config.ModeBot)
	f.register(t, "ping", func(context.Context, *message.Message) error { return nil })

	start := time.Now()
	f.d.Dispatch(context.Background(), f.bot, newUpdate(testChat, 18, 7, "!ping"))
	assert.Less(t, time.Since(start), f.cfg.RaceGrace)
}

func TestCancelWhileAwaitingConversation(t *testing.T) {
	f := newFixture(t)
	waiting := make(chan struct{})
	var waitErr error
	f.register(t, "ask", func(ctx context.Context, m *message.Message) error {
		return f.convs.Do(ctx, m.Client, m.ChatID(), func(c *conversation.Conversation) error {
			close(waiting)
			_, waitErr = c.WaitResponse(ctx, 5*time.Second)
			return waitErr
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 20, ownerID, ".ask"))
	}()

	<-waiting
	require.True(t, f.convs.Has(testChat))
	require.True(t, f.d.Tasks().Running(models.MessageKey(testChat, 20)))

	n, err := f.d.Cancel(models.MessageKey(testChat, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopPropagation)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}

	require.Eventually(t, func() bool { return !f.convs.Has(testChat) }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.convs.Deliver(f.user, newUpdate(testChat, 21, 9, "late").Message))
	assert.True(t, logged(f.bot, logChat, "#Cancelled"))
	assert.True(t, logged(f.bot, logChat, ".ask"))
	assert.False(t, f.user.WasDeleted(testChat, 20))
	assert.Empty(t, f.faultList())
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Cancel("1-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestHandlerPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.register(t, "boom", func(context.Context, *message.Message) error {
		panic("kaboom")
	})

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 30, ownerID, ".boom"))
	assert.ErrorIs(t, err, ErrStopPropagation)

	faults := f.faultList()
	require.Len(t, faults, 1)
	assert.Equal(t, "boom", faults[0].Command)
	assert.Equal(t, "-100-30", faults[0].TaskID)
	assert.NotNil(t, faults[0].Stack)
	assert.NotNil(t, faults[0].Update)
	assert.Contains(t, faults[0].Error(), "kaboom")
	assert.False(t, f.user.WasDeleted(testChat, 30))
	require.Eventually(t, func() bool { return len(f.d.Tasks().List()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandlerErrorIsContained(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("database unavailable")
	f.register(t, "db", func(context.Context, *message.Message) error { return boom })

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 31, 7, "!db"))
	assert.ErrorIs(t, err, ErrStopPropagation)

	faults := f.faultList()
	require.Len(t, faults, 1)
	assert.ErrorIs(t, faults[0], boom)
}

func TestPropagationSignalsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.register(t, "next", func(context.Context, *message.Message) error { return ErrContinuePropagation })

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 32, ownerID, ".next"))
	assert.ErrorIs(t, err, ErrContinuePropagation)
	assert.Empty(t, f.faultList())
	assert.False(t, f.user.WasDeleted(testChat, 32))
}

func TestDispatchWithExplicitHandler(t *testing.T) {
	f := newFixture(t)
	var got *message.Message
	h := func(_ context.Context, m *message.Message) error {
		got = m
		return nil
	}

	err := f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 33, 7, "hello there"),
		WithHandler(h), NotCommand(), PlainObject())
	assert.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello there", got.Text)
	assert.Empty(t, got.TextList)
	assert.Equal(t, "-100-33", got.TaskID)
}

func TestTasksListedWhileRunning(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.register(t, "slow", func(ctx context.Context, m *message.Message) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.d.Dispatch(context.Background(), f.user, newUpdate(testChat, 40, 7, "!slow"))
	}()
	<-started

	tasks := f.d.Tasks().List()
	require.Len(t, tasks, 1)
	assert.Equal(t, "-100-40", tasks[0].ID)
	assert.Equal(t, "slow", tasks[0].Command)
	assert.Equal(t, "user", tasks[0].Client)

	close(release)
	<-done
	require.Eventually(t, func() bool { return len(f.d.Tasks().List()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, command.NewRegistry(), conversation.NewRegistry(0))
	assert.Error(t, err)
}
