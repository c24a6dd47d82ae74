package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tphummel/lab_matrix/internal/budget"
	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/credential"
	"github.com/tphummel/lab_matrix/internal/fakecloud"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/pool"
	"github.com/tphummel/lab_matrix/internal/provision"
	"github.com/tphummel/lab_matrix/internal/remote/remotetest"
	"github.com/tphummel/lab_matrix/internal/targets"
)

const testToken = "dop_v1_test"

type harness struct {
	fake   *fakecloud.Server
	clock  *clock.FakeClock
	prov   *provision.Provisioner
	guard  *budget.Guard
	pool   *pool.Pool
	dialer *remotetest.Dialer
	conn   *pool.Connector
}

func newHarness(t *testing.T, maxMachines int) *harness {
	t.Helper()
	fake, srv := fakecloud.NewHTTPTest(testToken)
	t.Cleanup(srv.Close)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prov, err := provision.New(provision.Config{Token: testToken, Endpoint: srv.URL, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	guard := budget.New(prov, budget.Config{Tag: prov.Tag(), MaxMachines: maxMachines, Clock: clk})
	p := pool.New(prov, guard, pool.Config{ReadyTimeout: time.Minute})

	cred, err := credential.Generate()
	if err != nil {
		t.Fatal(err)
	}
	dialer := remotetest.NewDialer(nil)
	conn := pool.NewConnector(p, pool.ConnectorConfig{
		Signer:         cred.Signer(),
		Dialer:         dialer,
		Clock:          clk,
		ConnectTimeout: 12 * time.Second,
		RetryInterval:  5 * time.Second,
	})
	t.Cleanup(func() { conn.CloseAll() })
	return &harness{fake: fake, clock: clk, prov: prov, guard: guard, pool: p, dialer: dialer, conn: conn}
}

func target(t *testing.T, name string) models.Target {
	t.Helper()
	tg, err := targets.ByName(name)
	if err != nil {
		t.Fatal(err)
	}
	return tg
}

func TestGetOrCreate_Memoized(t *testing.T) {
	h := newHarness(t, 7)
	ctx := context.Background()
	tg := target(t, "ubuntu-22.04")

	first, err := h.pool.GetOrCreate(ctx, tg)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	creates := h.fake.Calls("POST /v2/droplets")
	polls := h.fake.Calls("GET /v2/droplets/{id}")
	lists := h.fake.Calls("GET /v2/droplets")

	second, err := h.pool.GetOrCreate(ctx, tg)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if second != first {
		t.Errorf("second call: got %+v, want %+v", second, first)
	}
	if h.fake.Calls("POST /v2/droplets") != creates ||
		h.fake.Calls("GET /v2/droplets/{id}") != polls ||
		h.fake.Calls("GET /v2/droplets") != lists {
		t.Error("second call made provider calls")
	}
	if creates != 1 {
		t.Errorf("creates: got %d, want 1", creates)
	}
	if first.Address == "" || first.ID == 0 {
		t.Errorf("entry incomplete: %+v", first)
	}
}

func TestGetOrCreate_DistinctTargets(t *testing.T) {
	h := newHarness(t, 7)
	ctx := context.Background()
	for _, name := range []string{"debian-12", "rocky-9"} {
		if _, err := h.pool.GetOrCreate(ctx, target(t, name)); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", name, err)
		}
	}
	if n := h.fake.Calls("POST /v2/droplets"); n != 2 {
		t.Errorf("creates: got %d, want 2", n)
	}
	entries := h.pool.Entries()
	if len(entries) != 2 || entries[0].Target != "debian-12" || entries[1].Target != "rocky-9" {
		t.Errorf("Entries: got %+v", entries)
	}
	if len(h.pool.Tracked()) != 2 {
		t.Errorf("Tracked: got %v", h.pool.Tracked())
	}
}

func TestGetOrCreate_ConcurrentSameTarget(t *testing.T) {
	h := newHarness(t, 7)
	tg := target(t, "fedora-42")

	var wg sync.WaitGroup
	results := make([]pool.Entry, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := h.pool.GetOrCreate(context.Background(), tg)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
			results[i] = e
		}(i)
	}
	wg.Wait()

	if n := h.fake.Calls("POST /v2/droplets"); n != 1 {
		t.Errorf("creates: got %d, want 1", n)
	}
	for _, r := range results[1:] {
		if r != results[0] {
			t.Errorf("divergent entries: %+v vs %+v", r, results[0])
		}
	}
}

func TestGetOrCreate_BudgetVeto(t *testing.T) {
	h := newHarness(t, 1)
	h.fake.AddDroplet("leftover", provision.DefaultTag)

	_, err := h.pool.GetOrCreate(context.Background(), target(t, "debian-12"))
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if n := h.fake.Calls("POST /v2/droplets"); n != 0 {
		t.Errorf("creates after veto: got %d, want 0", n)
	}
}

func TestGetOrCreate_WaitFailureStillTracked(t *testing.T) {
	h := newHarness(t, 7)
	h.fake.SetScript(fakecloud.Step{Status: "new"})

	_, err := h.pool.GetOrCreate(context.Background(), target(t, "almalinux-9"))
	var rt *provision.ReadinessTimeoutError
	if !errors.As(err, &rt) {
		t.Fatalf("expected readiness timeout, got %v", err)
	}
	tracked := h.pool.Tracked()
	if len(tracked) != 1 || tracked[0] != rt.MachineID {
		t.Errorf("Tracked: got %v, want [%d]", tracked, rt.MachineID)
	}
	if _, ok := h.pool.Get("almalinux-9"); ok {
		t.Error("failed machine cached as ready")
	}
}

func TestGetOrCreate_OnCreate(t *testing.T) {
	fake, srv := fakecloud.NewHTTPTest(testToken)
	t.Cleanup(srv.Close)
	clk := clock.Fake(time.Now())
	prov, _ := provision.New(provision.Config{Token: testToken, Endpoint: srv.URL, Clock: clk})
	guard := budget.New(prov, budget.Config{Clock: clk})

	var seen []string
	p := pool.New(prov, guard, pool.Config{
		OnCreate: func(_ context.Context, target string, m models.Machine) {
			seen = append(seen, target)
		},
	})
	if _, err := p.GetOrCreate(context.Background(), target(t, "debian-12")); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "debian-12" {
		t.Errorf("OnCreate calls: got %v", seen)
	}
	if len(fake.Droplets()) != 1 {
		t.Error("expected one droplet")
	}
}

func TestConnector_ReusesChannel(t *testing.T) {
	h := newHarness(t, 7)
	ctx := context.Background()
	tg := target(t, "ubuntu-24.04")

	a, err := h.conn.Connect(ctx, tg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Pooled.Close: %v", err)
	}
	b, err := h.conn.Connect(ctx, tg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res, err := b.Run(ctx, "echo hi", 0)
	if err != nil {
		t.Fatalf("Run after Pooled.Close: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("stdout: got %q", res.Stdout)
	}
	if n := h.dialer.TotalDials(); n != 1 {
		t.Errorf("dials: got %d, want 1", n)
	}
	if a.Host() != b.Host() {
		t.Error("different hosts for the same target")
	}

	if err := h.conn.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if n := h.dialer.Open(); n != 0 {
		t.Errorf("open transports after CloseAll: got %d", n)
	}
}

func TestConnector_CachesFirstFailure(t *testing.T) {
	h := newHarness(t, 7)
	h.dialer.FailFirst = 1 << 20
	ctx := context.Background()
	tg := target(t, "centos-stream-9")

	_, err := h.conn.Connect(ctx, tg)
	var ue *pool.UnavailableError
	if !errors.As(err, &ue) || ue.Target != "centos-stream-9" {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	dials := h.dialer.TotalDials()
	creates := h.fake.Calls("POST /v2/droplets")

	for i := 0; i < 3; i++ {
		_, err := h.conn.Connect(ctx, tg)
		if !errors.As(err, &ue) {
			t.Fatalf("retry %d: expected cached UnavailableError, got %v", i, err)
		}
	}
	if h.dialer.TotalDials() != dials {
		t.Error("cached failure re-attempted connection")
	}
	if h.fake.Calls("POST /v2/droplets") != creates {
		t.Error("cached failure re-provisioned")
	}
}

func TestConnector_OtherTargetsUnaffectedByFailure(t *testing.T) {
	h := newHarness(t, 7)
	h.fake.SetScript(fakecloud.Step{Status: "new"})
	ctx := context.Background()

	if _, err := h.conn.Connect(ctx, target(t, "debian-12")); err == nil {
		t.Fatal("expected failure for never-ready machine")
	}
	h.fake.SetScript(fakecloud.Step{Status: "active", Address: fakecloud.AutoAddress})
	if _, err := h.conn.Connect(ctx, target(t, "rocky-9")); err != nil {
		t.Errorf("healthy target failed: %v", err)
	}
}

func TestGetOrCreate_CountCeilingAcrossTargets(t *testing.T) {
	h := newHarness(t, 2)
	h.fake.AddDroplet("leftover", provision.DefaultTag)

	names := []string{"debian-12", "rocky-9", "fedora-42", "almalinux-9"}
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, tg models.Target) {
			defer wg.Done()
			_, errs[i] = h.pool.GetOrCreate(context.Background(), tg)
		}(i, target(t, name))
	}
	wg.Wait()

	var ok, vetoed int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, budget.ErrBudgetExceeded):
			vetoed++
		default:
			t.Errorf("%s: unexpected error %v", names[i], err)
		}
	}
	if ok != 1 || vetoed != len(names)-1 {
		t.Errorf("created %d, vetoed %d; want 1 and %d", ok, vetoed, len(names)-1)
	}
	if n := h.fake.Calls("POST /v2/droplets"); n != 1 {
		t.Errorf("creates: got %d, want 1", n)
	}
}

func TestConnector_CallerDeadlineNotCached(t *testing.T) {
	h := newHarness(t, 7)
	tg := target(t, "ubuntu-22.04")

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := h.conn.Connect(expired, tg)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	var ue *pool.UnavailableError
	if errors.As(err, &ue) {
		t.Fatalf("caller deadline reported as unavailable target: %v", err)
	}

	if _, err := h.conn.Connect(context.Background(), tg); err != nil {
		t.Errorf("Connect after caller deadline: %v", err)
	}
}
