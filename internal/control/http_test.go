package control

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"enclave-manager/internal/backend"
	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/enclave"
	"enclave-manager/internal/host"
)

type testEnv struct {
	surface *Surface
	client  *backend.Simulated
	syn     *host.Synthetic
	handler fasthttp.RequestHandler
}

// newTestEnv serves a synthetic host with four two-thread cores where core c
// is {c, c+4}.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	syn, err := host.NewSynthetic(4, 2, 1)
	require.NoError(t, err)
	topo, err := syn.Topology()
	require.NoError(t, err)
	pool, err := cpupool.New(topo, syn, nil)
	require.NoError(t, err)

	client := backend.NewSimulated(0)
	pages := backend.NewSimulatedPages(2<<20, 0)
	mgr, err := enclave.NewManager(pool, client, pages, enclave.DefaultConfig(), nil)
	require.NoError(t, err)

	s := NewSurface(mgr, nil)
	return &testEnv{surface: s, client: client, syn: syn, handler: NewRouter(s).Handler}
}

func (env *testEnv) do(t *testing.T, method, uri, body string) (int, []byte) {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.Header.SetContentType(contentTypeJSON)
		ctx.Request.SetBodyString(body)
	}
	env.handler(&ctx)
	return ctx.Response.StatusCode(), append([]byte(nil), ctx.Response.Body()...)
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestRouter_EnclaveLifecycle(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "PUT", "/pool", `{"cpus":"1-2,5-6"}`)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var pool cpupool.Info
	require.NoError(t, json.Unmarshal(body, &pool))
	require.True(t, pool.Configured)
	require.Equal(t, "1-2,5-6", pool.CPUs)
	require.Equal(t, 2, pool.FreeCores)

	status, body = env.do(t, "POST", "/enclaves", "")
	require.Equal(t, fasthttp.StatusCreated, status, string(body))
	var info enclave.Info
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, "init", info.State)
	id := info.ID

	status, body = env.do(t, "POST", fmt.Sprintf("/enclaves/%d/memory", id),
		fmt.Sprintf(`{"user_addr":%d,"size":%d}`, uint64(0x7f0000000000), 64<<20))
	require.Equal(t, fasthttp.StatusOK, status, string(body))

	for _, want := range []int{1, 5} {
		status, body = env.do(t, "POST", fmt.Sprintf("/enclaves/%d/vcpus", id), "")
		require.Equal(t, fasthttp.StatusOK, status, string(body))
		var v vcpuResponse
		require.NoError(t, json.Unmarshal(body, &v))
		require.Equal(t, want, v.CPU)
	}

	status, body = env.do(t, "POST", fmt.Sprintf("/enclaves/%d/start", id), `{"enclave_cid":0,"flags":0}`)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var started startResponse
	require.NoError(t, json.Unmarshal(body, &started))
	require.NotZero(t, started.EnclaveCID)

	status, body = env.do(t, "GET", fmt.Sprintf("/enclaves/%d", id), "")
	require.Equal(t, fasthttp.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, "running", info.State)
	require.Equal(t, "1,5", info.VCPUs)
	require.Equal(t, uint64(64<<20), info.MemSize)

	status, body = env.do(t, "GET", "/enclaves", "")
	require.Equal(t, fasthttp.StatusOK, status)
	var list []enclave.Info
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	status, body = env.do(t, "DELETE", "/pool", "")
	require.Equal(t, fasthttp.StatusConflict, status)
	require.Equal(t, enclave.KindPoolConfiguration, decodeError(t, body).Kind)

	status, _ = env.do(t, "DELETE", fmt.Sprintf("/enclaves/%d", id), "")
	require.Equal(t, fasthttp.StatusNoContent, status)
	require.True(t, env.client.Released(id))

	status, body = env.do(t, "GET", fmt.Sprintf("/enclaves/%d", id), "")
	require.Equal(t, fasthttp.StatusNotFound, status)
	require.Equal(t, enclave.KindNotFound, decodeError(t, body).Kind)

	status, _ = env.do(t, "DELETE", "/pool", "")
	require.Equal(t, fasthttp.StatusNoContent, status)
	require.True(t, env.syn.OfflineCPUs().IsEmpty())
}

func TestRouter_Errors(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/enclaves", "")
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Equal(t, enclave.KindPoolConfiguration, decodeError(t, body).Kind)

	status, body = env.do(t, "PUT", "/pool", `{"cpus":"0,4"}`)
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Contains(t, decodeError(t, body).Error, "reserved")

	status, body = env.do(t, "PUT", "/pool", `{"cpus":`)
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Equal(t, kindInvalidRequest, decodeError(t, body).Kind)

	status, _ = env.do(t, "PUT", "/pool", "")
	require.Equal(t, fasthttp.StatusBadRequest, status)

	status, _ = env.do(t, "PUT", "/pool", `{"cpus":"1,5"}`)
	require.Equal(t, fasthttp.StatusOK, status)

	status, body = env.do(t, "GET", "/enclaves/abc", "")
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Equal(t, kindInvalidRequest, decodeError(t, body).Kind)

	status, _ = env.do(t, "POST", "/enclaves/7/vcpus", "")
	require.Equal(t, fasthttp.StatusNotFound, status)

	status, body = env.do(t, "POST", "/enclaves", "")
	require.Equal(t, fasthttp.StatusCreated, status, string(body))
	var info enclave.Info
	require.NoError(t, json.Unmarshal(body, &info))
	vcpus := fmt.Sprintf("/enclaves/%d/vcpus", info.ID)

	status, body = env.do(t, "POST", vcpus, `{"cpu":2}`)
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Equal(t, enclave.KindAllocation, decodeError(t, body).Kind)

	status, body = env.do(t, "POST", fmt.Sprintf("/enclaves/%d/memory", info.ID), `{"user_addr":4096,"size":2097152}`)
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Equal(t, enclave.KindMemoryRegistration, decodeError(t, body).Kind)

	status, body = env.do(t, "POST", fmt.Sprintf("/enclaves/%d/start", info.ID), "")
	require.Equal(t, fasthttp.StatusBadRequest, status)
	require.Equal(t, enclave.KindLifecycleViolation, decodeError(t, body).Kind)

	env.client.Fail(backend.OpAddVcpu, fmt.Errorf("rejected"), 0)
	status, body = env.do(t, "POST", vcpus, "")
	require.Equal(t, fasthttp.StatusBadGateway, status)
	require.Equal(t, enclave.KindBackend, decodeError(t, body).Kind)

	env.client.Fail(backend.OpAddVcpu, nil, 0)
	for i := 0; i < 2; i++ {
		status, _ = env.do(t, "POST", vcpus, "")
		require.Equal(t, fasthttp.StatusOK, status)
	}
	status, body = env.do(t, "POST", vcpus, "")
	require.Equal(t, fasthttp.StatusConflict, status)
	require.Equal(t, enclave.KindAllocation, decodeError(t, body).Kind)
}

func TestSurface_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.surface.SetPool("1-3,5-7")
	require.NoError(t, err)
	a, err := env.surface.CreateEnclave(ctx)
	require.NoError(t, err)
	_, err = env.surface.AddVcpu(ctx, a.ID, nil)
	require.NoError(t, err)
	_, err = env.surface.CreateEnclave(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, env.surface.TeardownPool(), cpupool.ErrPoolBusy)

	env.surface.Shutdown(ctx)
	require.Empty(t, env.surface.List())
	require.False(t, env.surface.Pool().Configured)
	require.True(t, env.syn.OfflineCPUs().IsEmpty())
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		cpupool.ErrPoolBusy:          fasthttp.StatusConflict,
		enclave.ErrNoCPUsAvailable:   fasthttp.StatusConflict,
		cpupool.ErrMixedNUMANodes:    fasthttp.StatusBadRequest,
		enclave.ErrMaxRegions:        fasthttp.StatusBadRequest,
		enclave.ErrNotFound:          fasthttp.StatusNotFound,
		enclave.ErrBackend:           fasthttp.StatusBadGateway,
		cpupool.ErrHotplug:           fasthttp.StatusBadGateway,
		fmt.Errorf("something else"): fasthttp.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusFor(err), err.Error())
	}
}
