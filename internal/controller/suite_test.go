/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	clocktesting "k8s.io/utils/clock/testing"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/reconciler"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
	"github.com/kvcd-project/kvcd-operator/internal/vcd/vcdtest"
)

var (
	scheme  = runtime.NewScheme()
	testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
)

func TestControllers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controller Suite")
}

var _ = BeforeSuite(func() {
	logf.SetLogger(zap.New(zap.WriteTo(GinkgoWriter), zap.UseDevMode(true)))
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1.AddToScheme(scheme))
})

// staticPlatform always hands out the same client, or err when set
type staticPlatform struct {
	client vcd.Client
	err    error
}

func (s *staticPlatform) Client(context.Context) (vcd.Client, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

// harness bundles a reconciler with its fake cluster, fake platform and clock
type harness struct {
	ctx      context.Context
	client   client.Client
	platform *vcdtest.Fake
	source   *staticPlatform
	clock    *clocktesting.FakePassiveClock
	recorder *record.FakeRecorder
	r        *VcdVAppReconciler
	key      types.NamespacedName
}

func newHarness(vapp *v1.VcdVApp) *harness {
	h := &harness{
		ctx:      context.Background(),
		platform: vcdtest.New(),
		clock:    clocktesting.NewFakePassiveClock(testNow),
		recorder: record.NewFakeRecorder(100),
		key:      types.NamespacedName{Namespace: vapp.Namespace, Name: vapp.Name},
	}
	h.source = &staticPlatform{client: h.platform}
	h.client = fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&v1.VcdVApp{}).
		WithObjects(vapp).
		Build()
	h.r = h.newReconciler()
	return h
}

// newReconciler builds a reconciler with an empty per process state, as after a restart
func (h *harness) newReconciler() *VcdVAppReconciler {
	engine := reconciler.NewEngine(
		reconciler.WithPollInterval(time.Millisecond),
		reconciler.WithClock(h.clock),
	)
	return &VcdVAppReconciler{
		inClient: h.client,
		Scheme:   scheme,
		Recorder: h.recorder,
		platform: h.source,
		engine:   engine,
		table:    reconciler.NewTable(engine),
		timing:   DefaultTiming,
		clock:    h.clock,
	}
}

func (h *harness) reconcile() ctrl.Result {
	GinkgoHelper()
	result, err := h.r.Reconcile(h.ctx, ctrl.Request{NamespacedName: h.key})
	Expect(err).NotTo(HaveOccurred())
	return result
}

func (h *harness) get() *v1.VcdVApp {
	GinkgoHelper()
	vapp := &v1.VcdVApp{}
	Expect(h.client.Get(h.ctx, h.key, vapp)).To(Succeed())
	return vapp
}

func (h *harness) update(mutate func(vapp *v1.VcdVApp)) {
	GinkgoHelper()
	vapp := h.get()
	mutate(vapp)
	Expect(h.client.Update(h.ctx, vapp)).To(Succeed())
}

func (h *harness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

// events drains the recorded events
func (h *harness) events() []string {
	var out []string
	for {
		select {
		case e := <-h.recorder.Events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func newVApp(mutate ...func(*v1.VcdVApp)) *v1.VcdVApp {
	vapp := &v1.VcdVApp{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "web",
			Namespace:  "default",
			UID:        types.UID(uuid.NewString()),
			Generation: 1,
		},
		Spec: v1.VcdVAppSpec{
			Org: "acme",
			Vdc: "acme-vdc",
		},
	}
	for _, m := range mutate {
		m(vapp)
	}
	return vapp
}
