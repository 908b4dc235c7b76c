// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	plugins "github.com/holomush/sora/internal/plugin"
	"github.com/holomush/sora/internal/plugin/capability"
	"github.com/holomush/sora/internal/plugin/hostfunc"
	"github.com/holomush/sora/internal/plugin/lua"
	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// orderedKV records the namespace of every write.
type orderedKV struct {
	*hostfunc.MemoryKV
	mu     sync.Mutex
	writes []string
}

func (k *orderedKV) Set(ctx context.Context, namespace, key, value string) {
	k.mu.Lock()
	k.writes = append(k.writes, namespace)
	k.mu.Unlock()
	k.MemoryKV.Set(ctx, namespace, key, value)
}

func (k *orderedKV) Writes() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.writes...)
}

var _ = Describe("Plugin dispatch", func() {
	var (
		rec *recorder
		ctx context.Context
	)

	BeforeEach(func() {
		rec = &recorder{}
		ctx = context.Background()
	})

	dispatcherFor := func(ps ...pluginapi.Plugin) *plugins.Dispatcher {
		plan, err := planFor(ps)
		Expect(err).NotTo(HaveOccurred())
		d, err := plugins.NewDispatcher(plan, plugins.WithWorkers(4))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(d.Close)
		return d
	}

	Describe("a plugin loaded before its dependency", func() {
		It("is planned and run after it", func() {
			plan, err := planFor([]pluginapi.Plugin{rec.plugin("B", "A"), rec.plugin("A")})
			Expect(err).NotTo(HaveOccurred())
			Expect(stageNames(plan)).To(Equal([][]string{{"A"}, {"B"}}))

			d, err := plugins.NewDispatcher(plan)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(d.Close)

			Expect(d.DispatchSequential(ctx)).To(Succeed())
			Expect(rec.Events()).To(Equal([]string{"A", "B"}))
		})
	})

	Describe("mutually dependent plugins", func() {
		It("fail planning with a cycle naming them", func() {
			_, err := planFor([]pluginapi.Plugin{rec.plugin("A", "B"), rec.plugin("B", "A")})
			Expect(err).To(MatchError(plugins.ErrCyclicDependency))

			var ce *plugins.CycleError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Cycle).To(ContainElement(BeElementOf("A", "B")))
		})
	})

	Describe("independent plugins", func() {
		It("share one stage and all finish before parallel dispatch returns", func() {
			slow := func(name string) pluginapi.Plugin {
				return pluginapi.New(name, nil, func(context.Context) {
					time.Sleep(10 * time.Millisecond)
					rec.add(name)
				})
			}
			d := dispatcherFor(slow("x"), slow("y"), slow("z"))

			Expect(d.DispatchParallel(ctx)).To(Succeed())
			Expect(rec.Events()).To(ConsistOf("x", "y", "z"))
		})
	})

	Describe("a dependency nobody provides", func() {
		It("becomes an inert placeholder in an earlier stage", func() {
			plan, err := planFor([]pluginapi.Plugin{rec.plugin("A", "Z")})
			Expect(err).NotTo(HaveOccurred())

			zStage, ok := plan.StageOf("Z")
			Expect(ok).To(BeTrue())
			aStage, _ := plan.StageOf("A")
			Expect(zStage).To(BeNumerically("<", aStage))
			Expect(plan.Stages()[zStage].Placeholders()).To(Equal([]string{"Z"}))

			d, err := plugins.NewDispatcher(plan)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(d.Close)

			Expect(d.DispatchParallel(ctx)).To(Succeed())
			Expect(rec.Events()).To(Equal([]string{"A"}))
		})

		It("fails planning under the reject policy", func() {
			_, err := planFor([]pluginapi.Plugin{rec.plugin("A", "Z")},
				plugins.WithPhantomPolicy(plugins.PhantomReject))
			Expect(err).To(MatchError(plugins.ErrUnresolvedDependency))
		})
	})

	Describe("a panicking plugin", func() {
		It("stops dispatch after its stage", func() {
			d := dispatcherFor(panicking("bad"), rec.plugin("ok"), rec.plugin("after", "ok"))

			Expect(d.DispatchParallel(ctx)).To(MatchError(plugins.ErrPluginPanic))
			Expect(rec.Events()).To(Equal([]string{"ok"}))
		})
	})
})

var _ = Describe("Lua plugins from a directory", func() {
	var (
		dir      string
		kv       *orderedKV
		enforcer *capability.Enforcer
		router   *plugins.Router
	)

	script := func(name, body string, caps ...string) {
		pdir := filepath.Join(dir, name)
		Expect(os.MkdirAll(pdir, 0o755)).To(Succeed())
		manifest := "name: " + name + "\nversion: 1.0.0\ntype: lua\nentry: main.lua\n"
		if len(caps) > 0 {
			manifest += "capabilities:\n"
			for _, c := range caps {
				manifest += "  - " + c + "\n"
			}
		}
		Expect(os.WriteFile(filepath.Join(pdir, plugins.ManifestFile), []byte(manifest), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(pdir, "main.lua"), []byte(body), 0o600)).To(Succeed())
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		kv = &orderedKV{MemoryKV: hostfunc.NewMemoryKV()}
		enforcer = capability.NewEnforcer()
		router = plugins.NewRouter("1.0.0",
			plugins.WithSourceLoader(plugins.TypeLua, lua.NewLoader(enforcer, kv)))
	})

	It("discovers, plans and runs scripts in dependency order", func() {
		script("consumer", `
dependencies = {"producer"}
function run()
  sora.kv_set("seen", "yes")
end
`, capability.KVWrite)
		script("producer", `
function run()
  sora.kv_set("ready", "yes")
end
`, capability.KVWrite)

		refs, err := plugins.Discover(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(refs).To(HaveLen(2))

		m := plugins.NewManager(router)
		Expect(m.LoadAll(context.Background(), refs)).To(Succeed())
		plan, err := m.IntoStagePlan()
		Expect(err).NotTo(HaveOccurred())

		d, err := plugins.NewDispatcher(plan)
		Expect(err).NotTo(HaveOccurred())

		Expect(d.DispatchParallel(context.Background())).To(Succeed())
		Expect(kv.Writes()).To(Equal([]string{"producer", "consumer"}))
		Expect(enforcer.Plugins()).To(ConsistOf(refs))

		Expect(d.Close()).To(Succeed())
		Expect(enforcer.Plugins()).To(BeEmpty())
	})

	It("treats a capability violation as a plugin panic", func() {
		script("sneaky", `
function run()
  sora.kv_set("x", "y")
end
`)
		m := plugins.NewManager(router)
		Expect(m.Load(context.Background(), filepath.Join(dir, "sneaky"))).To(Succeed())
		plan, err := m.IntoStagePlan()
		Expect(err).NotTo(HaveOccurred())

		d, err := plugins.NewDispatcher(plan)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(d.Close)

		Expect(d.DispatchSequential(context.Background())).To(MatchError(plugins.ErrPluginPanic))
		Expect(kv.Len()).To(BeZero())
	})
})
