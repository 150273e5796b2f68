package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/storage"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

var params = StartParams{Kind: domain.AnalysisOnDemand, Service: "svc", Start: 0, End: 1000}

func TestActor_StateMachine(t *testing.T) {
	ctx := context.Background()
	mirror := storage.NewMemoryStore()
	reg := NewRegistry(NewRedisStateStore(newRedis(t), time.Hour), mirror, testLogger(), Options{})
	a := reg.Get("s1")

	_, err := a.Status(ctx)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	sess, err := a.Start(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, sess.Status)

	mirrored, err := mirror.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, mirrored.Status)

	sess, err = a.Update(ctx, Progress{LogsProcessed: intp(7), ErrorCount: intp(5), WarningCount: intp(2)})
	require.NoError(t, err)
	assert.Equal(t, 7, sess.LogsProcessed)
	assert.Equal(t, 5, sess.ErrorCount)

	sess, err = a.Update(ctx, Progress{CurrentStep: strp("inference")})
	require.NoError(t, err)
	assert.Equal(t, "inference", sess.CurrentStep)
	assert.Equal(t, 7, sess.LogsProcessed)

	// 进度更新不镜像
	mirrored, err = mirror.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, mirrored.LogsProcessed)

	sess, err = a.Complete(ctx, Outcome{Summary: "ok", Patterns: []string{"p"}, Recommendations: []string{"r"}})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	require.NotNil(t, sess.CompletedAt)

	mirrored, err = mirror.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, mirrored.Status)
	assert.Equal(t, "ok", mirrored.Summary)

	// 终止后的操作
	_, err = a.Update(ctx, Progress{LogsProcessed: intp(1)})
	assert.ErrorIs(t, err, domain.ErrSessionTerminal)

	again, err := a.Complete(ctx, Outcome{Summary: "other"})
	require.NoError(t, err)
	assert.Equal(t, "ok", again.Summary)

	_, err = a.Fail(ctx, errors.New("late"))
	assert.ErrorIs(t, err, domain.ErrSessionTerminal)

	sess, err = a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.Equal(t, 7, sess.LogsProcessed)
}

func TestActor_FailThenComplete(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStateStore(), storage.NewMemoryStore(), testLogger(), Options{})
	a := reg.Get("s2")

	_, err := a.Start(ctx, params)
	require.NoError(t, err)

	sess, err := a.Fail(ctx, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)

	_, err = a.Fail(ctx, errors.New("boom"))
	require.NoError(t, err)

	_, err = a.Complete(ctx, Outcome{Summary: "x"})
	assert.ErrorIs(t, err, domain.ErrSessionTerminal)
}

func TestActor_StartReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStateStore(), storage.NewMemoryStore(), testLogger(), Options{})
	a := reg.Get("s3")

	_, err := a.Start(ctx, params)
	require.NoError(t, err)
	_, err = a.Update(ctx, Progress{LogsProcessed: intp(3)})
	require.NoError(t, err)

	sess, err := a.Start(ctx, StartParams{Service: "other"})
	require.NoError(t, err)
	assert.Equal(t, "svc", sess.Service)
	assert.Equal(t, 3, sess.LogsProcessed)
}

func TestActor_StateSurvivesRelease(t *testing.T) {
	ctx := context.Background()
	state := NewRedisStateStore(newRedis(t), 0)
	reg := NewRegistry(state, storage.NewMemoryStore(), testLogger(), Options{})

	_, err := reg.Get("s4").Start(ctx, params)
	require.NoError(t, err)
	reg.Release("s4")
	assert.Zero(t, reg.Len())

	// 新注册表模拟进程重启
	reg2 := NewRegistry(state, storage.NewMemoryStore(), testLogger(), Options{})
	sess, err := reg2.Get("s4").Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, sess.Status)
}

func TestRegistry_SingleActorPerID(t *testing.T) {
	reg := NewRegistry(NewMemoryStateStore(), storage.NewMemoryStore(), testLogger(), Options{})
	assert.Same(t, reg.Get("x"), reg.Get("x"))
	assert.NotSame(t, reg.Get("x"), reg.Get("y"))
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_ReleaseKeepsActorWhileHeld(t *testing.T) {
	reg := NewRegistry(NewMemoryStateStore(), storage.NewMemoryStore(), testLogger(), Options{})

	first := reg.Get("dup")
	redelivered := reg.Get("dup")
	require.Same(t, first, redelivered)

	// 先结束的一方释放后，仍在运行的一方和后来者必须共用同一个 Actor
	reg.Release("dup")
	assert.Equal(t, 1, reg.Len())
	assert.Same(t, redelivered, reg.Get("dup"))

	reg.Release("dup")
	reg.Release("dup")
	assert.Zero(t, reg.Len())
	reg.Release("dup")
	assert.NotSame(t, first, reg.Get("dup"))
}

func TestActor_ConcurrentUpdatesSerialized(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	reg := NewRegistry(NewRedisStateStore(client, 0), storage.NewMemoryStore(), testLogger(), Options{
		Lease: NewRedisLease(client, time.Second),
	})
	a := reg.Get("s5")
	_, err := a.Start(ctx, params)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := a.Update(ctx, Progress{LogsProcessed: intp(n)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := a.Status(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sess.LogsProcessed, 1)
	assert.LessOrEqual(t, sess.LogsProcessed, 20)
}

func TestRedisLease_Exclusive(t *testing.T) {
	client := newRedis(t)
	lease := NewRedisLease(client, time.Minute)

	release, err := lease.Acquire(context.Background(), "id")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = lease.Acquire(ctx, "id")
	assert.ErrorIs(t, err, ErrLeaseTimeout)

	release()
	release2, err := lease.Acquire(context.Background(), "id")
	require.NoError(t, err)
	release2()
}
