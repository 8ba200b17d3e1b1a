package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/support-chat/internal/model"
)

type fakeSigner struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
	names sync.Map
}

func (f *fakeSigner) SignedURL(_ context.Context, name string) (string, error) {
	n := f.calls.Add(1)
	f.names.Store(name, true)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return "", f.err
	}
	return "https://files.example.com/" + name + "?sig=" + string(rune('0'+n)), nil
}

const apiBase = "https://support.example.com/api/v1"

func newResolver(signer SignedURLer, role model.Role) *Resolver {
	return NewResolver(apiBase+"/", "", NewSession("tok", role), signer, zerolog.Nop())
}

func TestResolver_Rules(t *testing.T) {
	r := newResolver(&fakeSigner{err: errors.New("down")}, model.RoleUser)
	ctx := context.Background()

	assert.Equal(t, "https://cdn.example.com/a.png", r.Resolve(ctx, "https://cdn.example.com/a.png"))
	assert.Equal(t, "https://localhost:9000/a.png", r.Resolve(ctx, "http://localhost:9000/a.png"))
	assert.Equal(t, "https://127.0.0.1/x", r.Resolve(ctx, "http://127.0.0.1/x"))
	assert.Equal(t, "https://support.example.com:9000/files/a.png", r.Resolve(ctx, ":9000/files/a.png"))
	assert.Equal(t, apiBase+"/uploads/abc.png", r.Resolve(ctx, "uploads/abc.png"))
	assert.Equal(t, apiBase+"/uploads/x.png", r.Resolve(ctx, "/uploads/x.png"))
	assert.Equal(t, "", r.Resolve(ctx, "  "))
}

func TestResolver_SignedForStaff(t *testing.T) {
	signer := &fakeSigner{}
	r := newResolver(signer, model.RoleAdmin)
	ctx := context.Background()

	first := r.Resolve(ctx, "/uploads/2024/report.pdf")
	assert.Contains(t, first, "https://files.example.com/report.pdf")
	_, asked := signer.names.Load("report.pdf")
	assert.True(t, asked)

	assert.Equal(t, first, r.Resolve(ctx, "/uploads/2024/report.pdf"))
	assert.EqualValues(t, 1, signer.calls.Load())

	r.Reset()
	second := r.Resolve(ctx, "/uploads/2024/report.pdf")
	assert.EqualValues(t, 2, signer.calls.Load())
	assert.NotEqual(t, first, second)
}

func TestResolver_FailureFallsBackAndIsStable(t *testing.T) {
	signer := &fakeSigner{err: errors.New("lookup failed")}
	r := newResolver(signer, model.RoleAdmin)
	ctx := context.Background()

	u := r.Resolve(ctx, "/uploads/abc.png")
	assert.Equal(t, apiBase+"/uploads/abc.png", u)

	signer.err = nil
	assert.Equal(t, u, r.Resolve(ctx, "/uploads/abc.png"), "same epoch, same answer")
	assert.EqualValues(t, 1, signer.calls.Load())
}

func TestResolver_CoalescesConcurrentMisses(t *testing.T) {
	signer := &fakeSigner{gate: make(chan struct{})}
	r := newResolver(signer, model.RoleAdmin)

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), "/uploads/big.bin")
		}(i)
	}
	require.Eventually(t, func() bool { return signer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(signer.gate)
	wg.Wait()

	assert.EqualValues(t, 1, signer.calls.Load())
	for _, u := range results {
		assert.Equal(t, results[0], u)
	}
}

func TestResolver_CanceledCallerStillCaches(t *testing.T) {
	signer := &fakeSigner{}
	r := newResolver(signer, model.RoleAdmin)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	u := r.Resolve(ctx, "/uploads/a.png")
	assert.Contains(t, u, "files.example.com")
}
