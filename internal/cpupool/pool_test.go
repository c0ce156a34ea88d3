package cpupool

import (
	"errors"
	"fmt"
	"testing"

	"k8s.io/utils/cpuset"

	"enclave-manager/internal/host"
)

// newTestPool builds a pool over a synthetic host where thread t of core c
// is CPU t*cores+c.
func newTestPool(t *testing.T, cores, threads, nodes int) (*Pool, *host.Synthetic) {
	t.Helper()
	syn, err := host.NewSynthetic(cores, threads, nodes)
	if err != nil {
		t.Fatalf("synthetic host: %v", err)
	}
	topo, err := syn.Topology()
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	p, err := New(topo, syn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p, syn
}

func TestSetPool_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		nodes   int
		offline []int
		spec    string
		want    error
	}{
		{name: "empty", spec: "", want: ErrInvalidSpec},
		{name: "garbage", spec: "one-two", want: ErrInvalidSpec},
		{name: "not present", spec: "1,5,9", want: ErrCPUOffline},
		{name: "offline", offline: []int{5}, spec: "1,5", want: ErrCPUOffline},
		{name: "mixed nodes", nodes: 2, spec: "1,5,2,6", want: ErrMixedNUMANodes},
		{name: "cpu zero", spec: "0", want: ErrReservedCoreRequested},
		{name: "sibling of zero", spec: "4", want: ErrReservedCoreRequested},
		{name: "reserved before partial", spec: "0-1", want: ErrReservedCoreRequested},
		{name: "partial core", spec: "1", want: ErrPartialCoreRequested},
		{name: "partial second core", spec: "1,5,2", want: ErrPartialCoreRequested},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			nodes := tc.nodes
			if nodes == 0 {
				nodes = 1
			}
			p, syn := newTestPool(t, 4, 2, nodes)
			for _, cpu := range tc.offline {
				if err := syn.Offline(cpu); err != nil {
					t.Fatalf("offline %d: %v", cpu, err)
				}
			}
			err := p.SetPool(tc.spec)
			if !errors.Is(err, tc.want) {
				t.Fatalf("SetPool(%q) = %v, want %v", tc.spec, err, tc.want)
			}
			if p.Configured() {
				t.Fatalf("pool must stay unconfigured after a rejected SetPool")
			}
			if got := syn.OfflineCPUs(); !got.Equals(cpuset.New(tc.offline...)) {
				t.Fatalf("offline CPUs changed to %s", got)
			}
		})
	}
}

func TestSetPool_AlwaysRejectsReservedCore(t *testing.T) {
	p, _ := newTestPool(t, 4, 2, 1)
	// Every cpu list that contains CPU 0 or its sibling 4, whole cores only.
	for mask := 1; mask < 1<<4; mask++ {
		var cpus []int
		for core := 0; core < 4; core++ {
			if mask&(1<<core) != 0 {
				cpus = append(cpus, core, core+4)
			}
		}
		set := cpuset.New(cpus...)
		if !set.Contains(0) {
			continue
		}
		if err := p.SetPool(set.String()); !errors.Is(err, ErrReservedCoreRequested) {
			t.Fatalf("SetPool(%s) = %v, want ErrReservedCoreRequested", set, err)
		}
	}
}

func TestSetPool_Success(t *testing.T) {
	p, syn := newTestPool(t, 4, 2, 1)

	if err := p.SetPool("1-3,5-7"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}
	if !p.Configured() || p.NUMANode() != 0 {
		t.Fatalf("configured=%v node=%d", p.Configured(), p.NUMANode())
	}
	if got := syn.OfflineCPUs(); !got.Equals(cpuset.New(1, 2, 3, 5, 6, 7)) {
		t.Fatalf("offline CPUs = %s", got)
	}
	if p.FreeCores() != 3 {
		t.Fatalf("FreeCores = %d, want 3", p.FreeCores())
	}
	if !p.Available(0).IsEmpty() {
		t.Fatalf("reserved core must not be available")
	}
	for core := 1; core < 4; core++ {
		want := cpuset.New(core, core+4)
		if got := p.Available(core); !got.Equals(want) {
			t.Fatalf("Available(%d) = %s, want %s", core, got, want)
		}
	}

	info := p.Info()
	if info.CPUs != "1-3,5-7" || info.FreeCores != 3 || info.LentCores != 0 || len(info.Cores) != 3 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestSetPool_ReplacesPreviousPool(t *testing.T) {
	p, syn := newTestPool(t, 4, 2, 1)
	if err := p.SetPool("1,5"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}
	// 1 and 5 are offline now but still acceptable because we own them.
	if err := p.SetPool("1-2,5-6"); err != nil {
		t.Fatalf("grow pool: %v", err)
	}
	if err := p.SetPool("2,6"); err != nil {
		t.Fatalf("shrink pool: %v", err)
	}
	if got := syn.OfflineCPUs(); !got.Equals(cpuset.New(2, 6)) {
		t.Fatalf("offline CPUs = %s", got)
	}
	if !p.Available(1).IsEmpty() {
		t.Fatalf("core 1 left the pool")
	}
}

func TestSetPool_OfflineFailureRollsBack(t *testing.T) {
	p, syn := newTestPool(t, 4, 2, 1)
	syn.FailOffline(6, fmt.Errorf("device busy"))

	err := p.SetPool("1-3,5-7")
	if !errors.Is(err, ErrHotplug) {
		t.Fatalf("SetPool = %v, want ErrHotplug", err)
	}
	if p.Configured() {
		t.Fatalf("pool must not be configured after rollback")
	}
	if got := syn.OfflineCPUs(); !got.IsEmpty() {
		t.Fatalf("CPUs left offline after rollback: %s", got)
	}
}

func TestValidate_DoesNotOffline(t *testing.T) {
	p, syn := newTestPool(t, 4, 2, 1)
	set, err := p.Validate("2,6")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !set.Equals(cpuset.New(2, 6)) {
		t.Fatalf("Validate returned %s", set)
	}
	if !syn.OfflineCPUs().IsEmpty() || p.Configured() {
		t.Fatalf("Validate changed host or pool state")
	}
}

func TestPool_BusyWhileAttached(t *testing.T) {
	p, _ := newTestPool(t, 4, 2, 1)
	if _, err := p.Attach(); !errors.Is(err, ErrNoPool) {
		t.Fatalf("Attach on empty pool = %v, want ErrNoPool", err)
	}
	if err := p.SetPool("1,5"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}

	snap, err := p.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if snap.CoreCount != 4 || snap.ThreadsPerCore != 2 || snap.NUMANode != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := p.SetPool("2,6"); !errors.Is(err, ErrPoolBusy) {
		t.Fatalf("SetPool while attached = %v, want ErrPoolBusy", err)
	}
	if err := p.TryTeardown(); !errors.Is(err, ErrPoolBusy) {
		t.Fatalf("TryTeardown while attached = %v, want ErrPoolBusy", err)
	}

	p.Detach()
	if err := p.TryTeardown(); err != nil {
		t.Fatalf("TryTeardown: %v", err)
	}
	if p.Configured() {
		t.Fatalf("pool still configured")
	}
}

func TestClaimReturn_RoundTrip(t *testing.T) {
	p, _ := newTestPool(t, 4, 2, 1)
	if err := p.SetPool("1-3,5-7"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}

	before := p.Available(2)
	claimed, err := p.ClaimCore(2)
	if err != nil {
		t.Fatalf("ClaimCore: %v", err)
	}
	if !claimed.Equals(before) {
		t.Fatalf("claimed %s, want %s", claimed, before)
	}
	if !p.Available(2).IsEmpty() {
		t.Fatalf("claimed core still available")
	}
	if _, err := p.ClaimCore(2); !errors.Is(err, ErrCoreNotFree) {
		t.Fatalf("second ClaimCore = %v, want ErrCoreNotFree", err)
	}
	if _, ok := p.FindCoreOwning(6); ok {
		t.Fatalf("FindCoreOwning found a lent cpu")
	}

	p.ReturnCore(2, claimed)
	if got := p.Available(2); !got.Equals(before) {
		t.Fatalf("after round trip Available(2) = %s, want %s", got, before)
	}

	// Union semantics: returning again must not duplicate or grow the set.
	p.ReturnCore(2, claimed)
	if got := p.Available(2); !got.Equals(before) {
		t.Fatalf("after double return Available(2) = %s", got)
	}
}

func TestReturnCore_IgnoresForeignCPUs(t *testing.T) {
	p, _ := newTestPool(t, 4, 2, 1)
	if err := p.SetPool("1,5"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}
	claimed, _ := p.ClaimCore(1)
	p.ReturnCore(1, claimed.Union(cpuset.New(2)))
	if got := p.Available(1); !got.Equals(cpuset.New(1, 5)) {
		t.Fatalf("Available(1) = %s", got)
	}
	p.ReturnCore(9, cpuset.New(9))
}

func TestFindFreeCore_NoPartialCores(t *testing.T) {
	p, _ := newTestPool(t, 4, 2, 1)
	if _, ok := p.FindFreeCore(); ok {
		t.Fatalf("FindFreeCore on empty pool")
	}
	if err := p.SetPool("1-3,5-7"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}

	var claimed []int
	for {
		core, ok := p.FindFreeCore()
		if !ok {
			break
		}
		if _, err := p.ClaimCore(core); err != nil {
			t.Fatalf("ClaimCore(%d): %v", core, err)
		}
		claimed = append(claimed, core)

		for c := 0; c < 4; c++ {
			avail := p.Available(c)
			if !avail.IsEmpty() && !avail.Equals(p.Admitted(c)) {
				t.Fatalf("core %d partially available: %s", c, avail)
			}
		}
	}
	if fmt.Sprint(claimed) != "[1 2 3]" {
		t.Fatalf("claim order %v, want lowest core first", claimed)
	}
	if core, ok := p.FindCoreOwning(5); ok {
		t.Fatalf("FindCoreOwning(5) = %d on an exhausted pool", core)
	}
}

func TestTeardownPool_Idempotent(t *testing.T) {
	p, syn := newTestPool(t, 4, 2, 1)
	p.TeardownPool()

	if err := p.SetPool("1-2,5-6"); err != nil {
		t.Fatalf("SetPool: %v", err)
	}
	// A lent core is brought back online too.
	if _, err := p.ClaimCore(1); err != nil {
		t.Fatalf("ClaimCore: %v", err)
	}

	p.TeardownPool()
	if p.Configured() {
		t.Fatalf("pool still configured")
	}
	if got := syn.OfflineCPUs(); !got.IsEmpty() {
		t.Fatalf("CPUs still offline: %s", got)
	}
	p.TeardownPool()
	if p.FreeCores() != 0 {
		t.Fatalf("FreeCores after teardown = %d", p.FreeCores())
	}
}
