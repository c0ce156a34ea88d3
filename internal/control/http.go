package control

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/enclave"
)

const (
	contentTypeJSON       = "application/json"
	defaultRequestTimeout = 30 * time.Second
	kindInvalidRequest    = "InvalidRequest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type poolRequest struct {
	CPUs string `json:"cpus"`
}

type vcpuRequest struct {
	CPU *int `json:"cpu,omitempty"`
}

type vcpuResponse struct {
	CPU int `json:"cpu"`
}

type memoryRequest struct {
	UserAddr uint64 `json:"user_addr"`
	Size     uint64 `json:"size"`
}

type startRequest struct {
	EnclaveCID uint64 `json:"enclave_cid"`
	Flags      uint64 `json:"flags"`
}

type startResponse struct {
	EnclaveCID uint64 `json:"enclave_cid"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Handler serves the control surface over HTTP.
type Handler struct {
	surface *Surface
	timeout time.Duration
}

func NewHandler(surface *Surface, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Handler{surface: surface, timeout: timeout}
}

// NewRouter wires every control route onto a fasthttp router.
func NewRouter(surface *Surface) *router.Router {
	return NewHandler(surface, 0).Router()
}

func (h *Handler) Router() *router.Router {
	r := router.New()
	r.GET("/pool", h.getPool)
	r.PUT("/pool", h.putPool)
	r.DELETE("/pool", h.deletePool)
	r.GET("/enclaves", h.listEnclaves)
	r.POST("/enclaves", h.createEnclave)
	r.GET("/enclaves/{id}", h.getEnclave)
	r.DELETE("/enclaves/{id}", h.deleteEnclave)
	r.POST("/enclaves/{id}/vcpus", h.addVcpu)
	r.POST("/enclaves/{id}/memory", h.addMemory)
	r.POST("/enclaves/{id}/start", h.start)
	return r
}

func (h *Handler) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *Handler) getPool(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, h.surface.Pool())
}

func (h *Handler) putPool(ctx *fasthttp.RequestCtx) {
	var req poolRequest
	if !decode(ctx, &req, false) {
		return
	}
	info, err := h.surface.SetPool(req.CPUs)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, info)
}

func (h *Handler) deletePool(ctx *fasthttp.RequestCtx) {
	if err := h.surface.TeardownPool(); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *Handler) listEnclaves(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, h.surface.List())
}

func (h *Handler) createEnclave(ctx *fasthttp.RequestCtx) {
	rctx, cancel := h.requestContext()
	defer cancel()
	info, err := h.surface.CreateEnclave(rctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, info)
}

func (h *Handler) getEnclave(ctx *fasthttp.RequestCtx) {
	id, ok := enclaveID(ctx)
	if !ok {
		return
	}
	info, err := h.surface.Describe(id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, info)
}

func (h *Handler) deleteEnclave(ctx *fasthttp.RequestCtx) {
	id, ok := enclaveID(ctx)
	if !ok {
		return
	}
	rctx, cancel := h.requestContext()
	defer cancel()
	if err := h.surface.Teardown(rctx, id); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *Handler) addVcpu(ctx *fasthttp.RequestCtx) {
	id, ok := enclaveID(ctx)
	if !ok {
		return
	}
	var req vcpuRequest
	if !decode(ctx, &req, true) {
		return
	}
	rctx, cancel := h.requestContext()
	defer cancel()
	cpu, err := h.surface.AddVcpu(rctx, id, req.CPU)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, vcpuResponse{CPU: cpu})
}

func (h *Handler) addMemory(ctx *fasthttp.RequestCtx) {
	id, ok := enclaveID(ctx)
	if !ok {
		return
	}
	var req memoryRequest
	if !decode(ctx, &req, false) {
		return
	}
	rctx, cancel := h.requestContext()
	defer cancel()
	info, err := h.surface.AddMemory(rctx, id, req.UserAddr, req.Size)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, info)
}

func (h *Handler) start(ctx *fasthttp.RequestCtx) {
	id, ok := enclaveID(ctx)
	if !ok {
		return
	}
	var req startRequest
	if !decode(ctx, &req, true) {
		return
	}
	rctx, cancel := h.requestContext()
	defer cancel()
	cid, err := h.surface.Start(rctx, id, req.EnclaveCID, req.Flags)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, startResponse{EnclaveCID: cid})
}

func enclaveID(ctx *fasthttp.RequestCtx) (uint64, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest, errorResponse{
			Error: "invalid enclave id " + strconv.Quote(raw),
			Kind:  kindInvalidRequest,
		})
		return 0, false
	}
	return id, true
}

// decode reads the JSON body into v. An empty body is accepted when
// optional is set.
func decode(ctx *fasthttp.RequestCtx, v interface{}, optional bool) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		if optional {
			return true
		}
		writeJSON(ctx, fasthttp.StatusBadRequest, errorResponse{Error: "request body required", Kind: kindInvalidRequest})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest, errorResponse{Error: err.Error(), Kind: kindInvalidRequest})
		return false
	}
	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType(contentTypeJSON)
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	writeJSON(ctx, StatusFor(err), errorResponse{Error: err.Error(), Kind: enclave.Kind(err)})
}

// StatusFor maps an operation error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, cpupool.ErrPoolBusy), errors.Is(err, enclave.ErrNoCPUsAvailable):
		return fasthttp.StatusConflict
	}
	switch enclave.Kind(err) {
	case enclave.KindNotFound:
		return fasthttp.StatusNotFound
	case enclave.KindBackend:
		return fasthttp.StatusBadGateway
	case enclave.KindPoolConfiguration, enclave.KindAllocation,
		enclave.KindMemoryRegistration, enclave.KindLifecycleViolation:
		return fasthttp.StatusBadRequest
	}
	return fasthttp.StatusInternalServerError
}
