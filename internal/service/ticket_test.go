package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/cipher"
	"github.com/pu-ac-cn/ticket-registry/internal/idgen"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"github.com/pu-ac-cn/ticket-registry/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testService = "https://app.example.org/login"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, cat *catalog.Catalog) (TicketService, *registry.MemoryRegistry, *testClock) {
	t.Helper()
	if cat == nil {
		cat = catalog.Default()
	}
	clock := newTestClock()
	reg := registry.NewMemoryRegistry(cat, registry.Options{Now: clock.Now})
	svc := NewTicketService(reg, cat, idgen.NewRandomGenerator(nil), nil, &TicketServiceConfig{Now: clock.Now})
	return svc, reg, clock
}

func casuser() *model.Authentication {
	return &model.Authentication{PrincipalID: "casuser"}
}

func TestCreateTicketGrantingTicket(t *testing.T) {
	svc, reg, clock := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tgt.ID, "TGT-"))
	assert.Equal(t, model.KindTicketGrantingTicket, tgt.Kind)
	assert.Equal(t, clock.Now(), tgt.Authentication.AuthenticatedAt)
	assert.Equal(t, 1, reg.Len())

	got, err := svc.GetTicket(ctx, tgt.ID, model.KindTicketGrantingTicket)
	require.NoError(t, err)
	assert.Equal(t, "casuser", got.PrincipalID())

	_, err = svc.CreateTicketGrantingTicket(ctx, nil)
	assert.ErrorIs(t, err, ErrPrincipalRequired)
	_, err = svc.CreateTicketGrantingTicket(ctx, &model.Authentication{})
	assert.ErrorIs(t, err, ErrPrincipalRequired)
}

func TestValidateServiceTicket_SingleUse(t *testing.T) {
	svc, reg, _ := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, true)
	require.NoError(t, err)
	assert.True(t, st.FromNewLogin)
	assert.Equal(t, tgt.ID, st.ParentID)

	parent, err := svc.GetTicket(ctx, tgt.ID, model.KindTicketGrantingTicket)
	require.NoError(t, err)
	assert.Equal(t, []string{st.ID}, parent.ChildIDs)

	validated, err := svc.ValidateServiceTicket(ctx, st.ID, testService)
	require.NoError(t, err)
	assert.Equal(t, "casuser", validated.PrincipalID())
	assert.Equal(t, 1, validated.UsageCount)

	_, err = svc.ValidateServiceTicket(ctx, st.ID, testService)
	assert.ErrorIs(t, err, model.ErrTicketNotFound, "ST 只能使用一次")
	assert.Equal(t, 1, reg.Len(), "只剩 TGT")
}

func TestValidateServiceTicket_MultipleUses(t *testing.T) {
	defs := catalog.DefaultDefinitions()
	for i := range defs {
		if defs[i].Kind == model.KindServiceTicket {
			defs[i].DefaultPolicy = model.MultiTimeUse(2, time.Minute)
		}
	}
	cat, err := catalog.New(defs...)
	require.NoError(t, err)
	svc, _, _ := newTestService(t, cat)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		got, err := svc.ValidateServiceTicket(ctx, st.ID, testService)
		require.NoError(t, err, "第 %d 次", i)
		assert.Equal(t, i, got.UsageCount)
	}
	_, err = svc.ValidateServiceTicket(ctx, st.ID, testService)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestValidateServiceTicket_ServiceMismatch(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)

	_, err = svc.ValidateServiceTicket(ctx, st.ID, "https://evil.example.org")
	assert.ErrorIs(t, err, ErrServiceMismatch)

	// 不匹配后票据作废
	_, err = svc.ValidateServiceTicket(ctx, st.ID, testService)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestValidateServiceTicket_Expired(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	_, err = svc.ValidateServiceTicket(ctx, st.ID, testService)
	assert.ErrorIs(t, err, model.ErrTicketExpired)

	_, err = svc.GetTicket(ctx, st.ID, "")
	assert.ErrorIs(t, err, model.ErrTicketNotFound, "过期的 ST 在校验时删除")
}

func TestValidateServiceTicket_NotServiceTicket(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	_, err = svc.ValidateServiceTicket(ctx, tgt.ID, testService)
	assert.ErrorIs(t, err, ErrNotAServiceTicket)
	assert.ErrorIs(t, err, model.ErrTicketWrongType)

	_, err = svc.GetTicket(ctx, tgt.ID, model.KindTicketGrantingTicket)
	assert.NoError(t, err, "TGT 不受影响")
}

func TestValidateServiceTicket_ParentExpired(t *testing.T) {
	defs := catalog.DefaultDefinitions()
	for i := range defs {
		if defs[i].Kind == model.KindServiceTicket {
			defs[i].DefaultPolicy = model.MultiTimeUse(1, 24*time.Hour)
		}
	}
	cat, err := catalog.New(defs...)
	require.NoError(t, err)
	svc, _, clock := newTestService(t, cat)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)

	// TGT 空闲超时
	clock.Advance(3 * time.Hour)
	_, err = svc.ValidateServiceTicket(ctx, st.ID, testService)
	assert.ErrorIs(t, err, model.ErrTicketExpired)
	_, err = svc.GetTicket(ctx, st.ID, "")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestGrantServiceTicket_Errors(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.GrantServiceTicket(ctx, "TGT-1-missing", testService, false)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	_, err = svc.GrantServiceTicket(ctx, tgt.ID, "", false)
	assert.ErrorIs(t, err, ErrServiceURLRequired)

	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)
	_, err = svc.GrantServiceTicket(ctx, st.ID, testService, false)
	assert.ErrorIs(t, err, model.ErrTicketWrongType)

	clock.Advance(9 * time.Hour)
	_, err = svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	assert.ErrorIs(t, err, model.ErrTicketExpired)
}

func TestProxyChain(t *testing.T) {
	svc, reg, _ := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)

	pgt, err := svc.GrantProxyGrantingTicket(ctx, st.ID, "https://proxy.example.org/cb")
	require.NoError(t, err)
	assert.Equal(t, tgt.ID, pgt.ParentID, "ST 签发的 PGT 挂在 TGT 下")
	assert.Equal(t, "https://proxy.example.org/cb", pgt.Service)

	parent, err := svc.GetTicket(ctx, tgt.ID, model.KindTicketGrantingTicket)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{st.ID, pgt.ID}, parent.ChildIDs)

	pt, err := svc.GrantProxyTicket(ctx, pgt.ID, "https://backend.example.org")
	require.NoError(t, err)
	assert.Equal(t, pgt.ID, pt.ParentID)
	assert.Equal(t, model.KindProxyTicket, pt.Kind)

	// 代理链：PT 再签发 PGT
	pgt2, err := svc.GrantProxyGrantingTicket(ctx, pt.ID, "https://backend.example.org/cb")
	require.NoError(t, err)
	assert.Equal(t, pgt.ID, pgt2.ParentID)

	validated, err := svc.ValidateServiceTicket(ctx, pt.ID, "https://backend.example.org")
	require.NoError(t, err)
	assert.Equal(t, "casuser", validated.PrincipalID())

	_, err = svc.GrantProxyTicket(ctx, tgt.ID, "https://backend.example.org")
	assert.ErrorIs(t, err, model.ErrTicketWrongType)
	_, err = svc.GrantProxyGrantingTicket(ctx, tgt.ID, "https://proxy.example.org/cb")
	assert.ErrorIs(t, err, model.ErrTicketWrongType)

	existed, err := svc.DestroyTicketGrantingTicket(ctx, tgt.ID)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Zero(t, reg.Len(), "注销后整条链路都被删除")
}

func TestGrantProxyGrantingTicket_OncePerServiceTicket(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)

	_, err = svc.GrantProxyGrantingTicket(ctx, st.ID, "https://proxy.example.org/cb")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = svc.GrantProxyGrantingTicket(ctx, st.ID, "https://proxy.example.org/cb")
		assert.ErrorIs(t, err, ErrProxyGrantedAlready)
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
	}

	stored, err := svc.GetTicket(ctx, st.ID, model.KindServiceTicket)
	require.NoError(t, err)
	assert.True(t, stored.ProxyGranted, "签发记录已持久化")

	parent, err := svc.GetTicket(ctx, tgt.ID, model.KindTicketGrantingTicket)
	require.NoError(t, err)
	assert.Len(t, parent.ChildIDs, 2, "只多出一个 PGT")
}

func TestDestroyTicketGrantingTicket(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	var sts []*model.Ticket
	for i := 0; i < 3; i++ {
		st, err := svc.GrantServiceTicket(ctx, tgt.ID, fmt.Sprintf("https://app%d.example.org", i), false)
		require.NoError(t, err)
		sts = append(sts, st)
	}

	_, err = svc.DestroyTicketGrantingTicket(ctx, sts[0].ID)
	assert.ErrorIs(t, err, model.ErrTicketWrongType)
	_, err = svc.DestroyTicketGrantingTicket(ctx, "garbage")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	existed, err := svc.DestroyTicketGrantingTicket(ctx, tgt.ID)
	require.NoError(t, err)
	assert.True(t, existed)
	for i, st := range sts {
		_, err := svc.ValidateServiceTicket(ctx, st.ID, fmt.Sprintf("https://app%d.example.org", i))
		assert.ErrorIs(t, err, model.ErrTicketNotFound)
	}

	existed, err = svc.DestroyTicketGrantingTicket(ctx, tgt.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestCreateTransientSessionTicket(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	tst, err := svc.CreateTransientSessionTicket(ctx, testService, map[string]string{"state": "xyz"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tst.ID, "TST-"))

	got, err := svc.GetTicket(ctx, tst.ID, model.KindTransientSession)
	require.NoError(t, err)
	assert.Equal(t, "xyz", got.Properties["state"])

	clock.Advance(5 * time.Minute)
	_, err = svc.GetTicket(ctx, tst.ID, model.KindTransientSession)
	assert.ErrorIs(t, err, model.ErrTicketExpired)
}

func TestStatsAndSessions(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	_, err = svc.CreateTicketGrantingTicket(ctx, &model.Authentication{PrincipalID: "other"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
		require.NoError(t, err)
	}

	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 3, stats.ServiceTickets)

	sessions, err := svc.SessionsFor(ctx, "casuser")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, tgt.ID, sessions[0].ID)

	existed, err := svc.DeleteTicket(ctx, tgt.ID)
	require.NoError(t, err)
	assert.True(t, existed)
	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Sessions: 1}, stats)
}

// flakyRegistry Get 前 failures 次返回 err
type flakyRegistry struct {
	registry.Registry
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyRegistry) Get(ctx context.Context, id string, kind model.Kind) (*model.Ticket, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, f.err
	}
	return f.Registry.Get(ctx, id, kind)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	unavailable := fmt.Errorf("%w: GET: connection refused", registry.ErrBackendUnavailable)

	tests := []struct {
		name      string
		failures  int
		err       error
		wantErr   error
		wantCalls int
	}{
		{"重试后成功", 2, unavailable, nil, 3},
		{"超过重试次数", 5, unavailable, registry.ErrBackendUnavailable, 3},
		{"票据错误不重试", 5, model.NewInvalidTicketError("TGT-1", model.ReasonNotFound), model.ErrTicketNotFound, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := catalog.Default()
			mem := registry.NewMemoryRegistry(cat, registry.Options{})
			tgt := model.NewTicketGrantingTicket("TGT-1-test", casuser(), model.NeverExpires(), time.Now())
			require.NoError(t, mem.Add(ctx, tgt))

			flaky := &flakyRegistry{Registry: mem, failures: tt.failures, err: tt.err}
			svc := NewTicketService(flaky, cat, idgen.NewRandomGenerator(nil), nil, &TicketServiceConfig{
				Retries:    2,
				RetryDelay: time.Millisecond,
			})

			_, err := svc.GetTicket(ctx, tgt.ID, model.KindTicketGrantingTicket)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, flaky.calls)
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	cat := catalog.Default()
	flaky := &flakyRegistry{
		Registry: registry.NewMemoryRegistry(cat, registry.Options{}),
		failures: 100,
		err:      registry.ErrBackendUnavailable,
	}
	svc := NewTicketService(flaky, cat, idgen.NewRandomGenerator(nil), nil, &TicketServiceConfig{
		Retries:    10,
		RetryDelay: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.GetTicket(ctx, "TGT-1-test", "")
	assert.True(t, errors.Is(err, registry.ErrBackendUnavailable))
	assert.Equal(t, 1, flaky.calls, "取消后不再重试")
}

func TestSelfContainedRegistry(t *testing.T) {
	ctx := context.Background()
	cat := catalog.Default()
	clock := newTestClock()
	exec, err := cipher.New(&cipher.Config{Enabled: true, EncryptionKeys: []string{"0123456789abcdef0123456789abcdef"}})
	require.NoError(t, err)
	reg, err := registry.NewJWTRegistry(cat, registry.JWTConfig{
		Issuer:      "https://cas.example.org/cas",
		SigningKeys: []string{"this-is-a-signing-key-of-32-bytes-A"},
	}, registry.Options{Now: clock.Now, Cipher: exec})
	require.NoError(t, err)
	svc := NewTicketService(reg, cat, idgen.NewRandomGenerator(nil), nil, &TicketServiceConfig{Now: clock.Now})

	tgt, err := svc.CreateTicketGrantingTicket(ctx, casuser())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tgt.ID, "TGT-ey"), "ID 为 JWT")

	st, err := svc.GrantServiceTicket(ctx, tgt.ID, testService, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.ID, "ST-ey"))
	assert.Equal(t, tgt.ID, st.ParentID)

	validated, err := svc.ValidateServiceTicket(ctx, st.ID, testService)
	require.NoError(t, err)
	assert.Equal(t, "casuser", validated.PrincipalID())

	clock.Advance(11 * time.Second)
	_, err = svc.ValidateServiceTicket(ctx, st.ID, testService)
	assert.ErrorIs(t, err, model.ErrTicketExpired)
}
