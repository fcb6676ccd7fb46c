package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
	"github.com/kvcd-project/kvcd-operator/internal/vcd/vcdtest"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestEngine(opts ...Option) (*Engine, *clocktesting.FakePassiveClock) {
	clk := clocktesting.NewFakePassiveClock(testNow)
	opts = append([]Option{WithPollInterval(time.Millisecond), WithClock(clk)}, opts...)
	return NewEngine(opts...), clk
}

func newObject(name string, mutate ...func(*Object)) *Object {
	obj := &Object{
		Name:      name,
		Namespace: "default",
		Spec: v1.VcdVAppSpec{
			Org: "acme",
			Vdc: "acme-vdc",
		},
	}
	for _, m := range mutate {
		m(obj)
	}
	return obj
}

// assertRefInvariant checks that a backing state without a platform reference is Missing and vice versa
func assertRefInvariant(t *testing.T, b *v1.BackingState) {
	t.Helper()
	if b == nil {
		return
	}
	assert.Equal(t, b.VAppHref == "", b.Status == v1.StatusMissing,
		"href %q and status %q disagree", b.VAppHref, b.Status)
}

func TestCreateFromScratch(t *testing.T) {
	engine, _ := newTestEngine()
	platform := vcdtest.New()
	vdc := platform.AddVDC("acme", "acme-vdc")
	obj := newObject("web", func(o *Object) { o.Spec.Description = "d" })

	out := engine.Create(context.Background(), platform, obj)

	require.True(t, out.IsOk(), out.String())
	compose := platform.Calls("ComposeVApp")
	require.Len(t, compose, 1)
	assert.Equal(t, vcd.ComposeParams{Name: "web", Description: "d", FenceMode: "bridged", AcceptAllEulas: true}, compose[0].Args[1])
	assert.Zero(t, platform.CallCount("InstantiateVApp"))

	require.NotNil(t, obj.Backing)
	assert.NotEmpty(t, obj.Backing.VAppHref)
	assert.Equal(t, v1.StatusPoweredOff, obj.Backing.Status, "status is derived from the platform status code")
	assert.Equal(t, vdc.HREF, obj.Backing.VdcHref)
	assert.NotEmpty(t, obj.Backing.UUID)
	assert.Equal(t, v1.ManagedByValue, obj.Annotations[v1.ManagedByAnnotation])
	assert.Equal(t, 1, platform.VAppCount(vdc))
	assertRefInvariant(t, obj.Backing)
}

func TestCreateIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine()
	platform := vcdtest.New()
	vdc := platform.AddVDC("acme", "acme-vdc")
	obj := newObject("web")

	require.True(t, engine.Create(context.Background(), platform, obj).IsOk())
	href := obj.Backing.VAppHref

	t.Run("same backing state", func(t *testing.T) {
		out := engine.Create(context.Background(), platform, obj)
		require.True(t, out.IsOk(), out.String())
		assert.Equal(t, href, obj.Backing.VAppHref)
	})

	t.Run("redelivered create without backing state", func(t *testing.T) {
		redelivered := newObject("web")
		out := engine.Create(context.Background(), platform, redelivered)
		require.True(t, out.IsOk(), out.String())
		assert.Equal(t, href, redelivered.Backing.VAppHref, "existing vApp is adopted")
		assert.Equal(t, v1.ManagedByValue, redelivered.Annotations[v1.ManagedByAnnotation])
	})

	assert.Equal(t, 1, platform.CallCount("ComposeVApp"))
	assert.Equal(t, 1, platform.VAppCount(vdc))
}

func TestCreateFromTemplate(t *testing.T) {
	engine, _ := newTestEngine()
	platform := vcdtest.New()
	platform.AddVDC("acme", "acme-vdc")
	platform.AddTemplate("golden", "ubuntu")
	obj := newObject("web", func(o *Object) {
		o.Spec.SourceCatalog = ptr.To("golden")
		o.Spec.SourceTemplateName = ptr.To("ubuntu")
		o.Spec.PoweredOn = true
		o.Spec.AcceptAllEulas = ptr.To(false)
	})

	out := engine.Create(context.Background(), platform, obj)

	require.True(t, out.IsOk(), out.String())
	assert.Zero(t, platform.CallCount("ComposeVApp"))
	instantiate := platform.Calls("InstantiateVApp")
	require.Len(t, instantiate, 1)
	assert.Equal(t, vcd.InstantiateParams{
		Name:           "web",
		Catalog:        "golden",
		Template:       "ubuntu",
		Deploy:         true,
		PowerOn:        true,
		AcceptAllEulas: false,
	}, instantiate[0].Args[1])
	assert.Equal(t, v1.StatusPoweredOn, obj.Backing.Status)
}

func TestCreateFailures(t *testing.T) {
	tests := []struct {
		name       string
		noVDC      bool
		setup      func(p *vcdtest.Fake)
		mutate     func(o *Object)
		wantKind   Kind
		wantSubmit bool
	}{
		{
			name:     "missing VDC is fatal",
			noVDC:    true,
			wantKind: Fatal,
		},
		{
			name:     "platform unavailable is retryable",
			setup:    func(p *vcdtest.Fake) { p.FailWith("GetVDC", vcd.NewError(vcd.KindUnavailable, "503")) },
			wantKind: Retryable,
		},
		{
			name:     "catalog without template is fatal",
			mutate:   func(o *Object) { o.Spec.SourceCatalog = ptr.To("golden") },
			wantKind: Fatal,
		},
		{
			name:     "template without catalog is fatal",
			mutate:   func(o *Object) { o.Spec.SourceTemplateName = ptr.To("ubuntu") },
			wantKind: Fatal,
		},
		{
			name:       "creation task error is fatal",
			setup:      func(p *vcdtest.Fake) { p.SetTaskOutcome(vcd.OpComposeVApp, vcd.TaskRunning, vcd.TaskError) },
			wantKind:   Fatal,
			wantSubmit: true,
		},
		{
			name:       "creation task timeout on cancelled context is retryable",
			setup:      func(p *vcdtest.Fake) { p.SetTaskOutcome(vcd.OpComposeVApp, vcd.TaskRunning) },
			wantKind:   Retryable,
			wantSubmit: true,
		},
		{
			name: "referenced vApp gone is fatal",
			mutate: func(o *Object) {
				o.Backing = &v1.BackingState{VAppHref: "https://vcd.example.com/api/vApp/vapp-gone", Status: v1.StatusPoweredOn}
			},
			wantKind: Fatal,
		},
		{
			name:     "missing vApp is not recreated",
			mutate:   func(o *Object) { o.Backing = &v1.BackingState{Status: v1.StatusMissing} },
			wantKind: Fatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine()
			platform := vcdtest.New()
			if !tt.noVDC {
				platform.AddVDC("acme", "acme-vdc")
			}
			if tt.setup != nil {
				tt.setup(platform)
			}
			obj := newObject("web")
			if tt.mutate != nil {
				tt.mutate(obj)
			}
			before := obj.Backing.DeepCopy()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			out := engine.Create(ctx, platform, obj)

			assert.Equal(t, tt.wantKind, out.Kind, out.String())
			assert.Equal(t, before, obj.Backing, "backing state is left unchanged")
			assert.Equal(t, tt.wantSubmit, platform.CallCount("ComposeVApp") == 1)
			assert.Zero(t, platform.CallCount("InstantiateVApp"))
		})
	}
}

func TestDelete(t *testing.T) {
	t.Run("never created", func(t *testing.T) {
		engine, _ := newTestEngine()
		platform := vcdtest.New()

		out := engine.Delete(context.Background(), platform, newObject("web"))

		require.True(t, out.IsOk())
		assert.Empty(t, platform.Calls(), "no platform call is issued")
	})

	t.Run("already deleted", func(t *testing.T) {
		engine, _ := newTestEngine()
		platform := vcdtest.New()
		obj := newObject("web", func(o *Object) {
			o.Backing = &v1.BackingState{VAppHref: "https://vcd.example.com/api/vApp/vapp-gone", Status: v1.StatusPoweredOff}
		})

		out := engine.Delete(context.Background(), platform, obj)

		require.True(t, out.IsOk(), out.String())
		assert.Empty(t, platform.MutatingCalls())
	})

	tests := []struct {
		name     string
		setup    func(p *vcdtest.Fake)
		force    bool
		wantKind Kind
		wantGone bool
	}{
		{name: "success", wantKind: Ok, wantGone: true},
		{name: "forced", force: true, wantKind: Ok, wantGone: true},
		{
			name: "powered on vApp is retried",
			setup: func(p *vcdtest.Fake) {
				p.FailWith("DeleteVApp", vcd.NewError(vcd.KindBadRequest, "stop the vApp first"))
			},
			wantKind: Retryable,
		},
		{
			name:     "busy vApp is retried",
			setup:    func(p *vcdtest.Fake) { p.FailWith("DeleteVApp", vcd.NewError(vcd.KindBusyEntity, "busy")) },
			wantKind: Retryable,
		},
		{
			name:     "bad request while polling is retried",
			setup:    func(p *vcdtest.Fake) { p.FailWith("TaskStatus", vcd.NewError(vcd.KindBadRequest, "bad request")) },
			wantKind: Retryable,
		},
		{
			name:     "failed task is fatal",
			setup:    func(p *vcdtest.Fake) { p.SetTaskOutcome(vcd.OpDeleteVApp, vcd.TaskAborted) },
			wantKind: Fatal,
		},
		{
			name:     "unclassified error is fatal",
			setup:    func(p *vcdtest.Fake) { p.FailWith("DeleteVApp", vcd.NewError(vcd.KindGeneric, "boom")) },
			wantKind: Fatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine()
			platform := vcdtest.New()
			vdc := platform.AddVDC("acme", "acme-vdc")
			vapp := platform.AddVApp(vdc, vcd.VApp{Name: "web", StatusCode: vcdtest.StatusPoweredOff})
			if tt.setup != nil {
				tt.setup(platform)
			}
			obj := newObject("web", func(o *Object) {
				o.Spec.ForceDelete = tt.force
				o.Backing = &v1.BackingState{VAppHref: vapp.HREF, Status: v1.StatusPoweredOff}
			})

			out := engine.Delete(context.Background(), platform, obj)

			assert.Equal(t, tt.wantKind, out.Kind, out.String())
			_, exists := platform.VApp(vapp.HREF)
			assert.Equal(t, tt.wantGone, !exists)
			if calls := platform.Calls("DeleteVApp"); len(calls) == 1 {
				assert.Equal(t, tt.force, calls[0].Args[1])
			}
			assertRefInvariant(t, obj.Backing)
		})
	}
}
