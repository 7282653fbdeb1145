package patch

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

const (
	testPID  procmap.PID = 42
	testBase uintptr     = 0x400000
	testSize             = 0x1000
)

type fixture struct {
	store    *Store
	space    *mem.Simulated
	registry *procmap.Static
	metrics  *prometheus.Registry
	original []byte
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()

	space := mem.NewSimulated(testPID, testBase, testSize, arch.AMD64)
	original := make([]byte, testSize)
	for i := range original {
		original[i] = byte(i * 7)
	}
	require.NoError(t, space.Fill(testBase, original))

	f := &fixture{
		space:    space,
		registry: procmap.NewStatic(),
		metrics:  prometheus.NewRegistry(),
		original: original,
	}

	o := Options{
		Spaces: func(pid procmap.PID) (mem.Space, error) {
			if pid != testPID {
				return nil, status.ErrNotFound
			}
			return space, nil
		},
		Registry:   f.registry,
		Registerer: f.metrics,
	}
	for _, fn := range opts {
		fn(&o)
	}

	var err error
	f.store, err = NewStore(o)
	require.NoError(t, err)
	return f
}

func (f *fixture) bytes(addr uintptr, n int) []byte {
	return f.space.Bytes(addr, n)
}

func (f *fixture) originalAt(addr uintptr, n int) []byte {
	off := addr - testBase
	return f.original[off : off+uintptr(n)]
}

// liveTarget decodes the redirect at addr.
func (f *fixture) liveTarget(t *testing.T, addr uintptr) uintptr {
	t.Helper()
	code := f.bytes(addr, arch.AMD64.RedirectSize(addr))
	target, ok := arch.AMD64.RedirectTarget(code, addr)
	require.True(t, ok, "no redirect at 0x%x", addr)
	return target
}

func TestNewStoreRequiresSpaces(t *testing.T) {
	_, err := NewStore(Options{})
	assert.ErrorIs(t, err, status.ErrInvalidArgs)
}

func TestInjectRelease(t *testing.T) {
	f := newFixture(t)
	addr := testBase + 0x100
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	h, err := f.store.Inject(testPID, addr, data)
	require.NoError(t, err)
	assert.Greater(t, h, Handle(0))
	assert.Equal(t, data, f.bytes(addr, len(data)))
	assert.Equal(t, 1, f.store.Len())

	info, err := f.store.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, Info{Handle: h, PID: testPID, Addr: addr, Kind: KindInjection, Size: 4}, info)

	require.NoError(t, f.store.Release(h))
	assert.Equal(t, f.originalAt(addr, 4), f.bytes(addr, 4))
	assert.Equal(t, 0, f.store.Len())

	_, err = f.store.Lookup(h)
	assert.ErrorIs(t, err, status.ErrInvalidHandle)
}

func TestInstallReleaseRestoresBytes(t *testing.T) {
	cases := map[string]func(f *fixture, addr uintptr) (Handle, error){
		"injection": func(f *fixture, addr uintptr) (Handle, error) {
			return f.store.Inject(testPID, addr, bytes.Repeat([]byte{0xcc}, 9))
		},
		"hook": func(f *fixture, addr uintptr) (Handle, error) {
			h, _, err := f.store.Hook(testPID, addr, 0x7f0000001000)
			return h, err
		},
	}

	for name, install := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			for _, addr := range []uintptr{testBase, testBase + 0x333, testBase + testSize - 16} {
				before := f.bytes(testBase, testSize)

				h, err := install(f, addr)
				require.NoError(t, err)
				assert.NotEqual(t, before, f.bytes(testBase, testSize))

				require.NoError(t, f.store.Release(h))
				assert.Equal(t, before, f.bytes(testBase, testSize))
			}
		})
	}
}

func TestInjectConflicts(t *testing.T) {
	f := newFixture(t)
	addr := testBase + 0x200

	_, err := f.store.Inject(testPID, addr, make([]byte, 8))
	require.NoError(t, err)

	_, err = f.store.Inject(testPID, addr, make([]byte, 8))
	assert.ErrorIs(t, err, status.ErrPatchExists)

	_, err = f.store.Inject(testPID, addr+4, make([]byte, 8))
	assert.ErrorIs(t, err, status.ErrPatchExists)

	_, err = f.store.Inject(testPID, addr-4, make([]byte, 5))
	assert.ErrorIs(t, err, status.ErrPatchExists)

	_, _, err = f.store.Hook(testPID, addr, 0x1234)
	assert.ErrorIs(t, err, status.ErrPatchExists)

	_, err = f.store.Inject(testPID, addr+8, make([]byte, 8))
	assert.NoError(t, err)
	_, err = f.store.Inject(testPID, addr-4, make([]byte, 4))
	assert.NoError(t, err)

	assert.Equal(t, 3, f.store.Len())
}

func TestInjectInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Inject(testPID, testBase, nil)
	assert.ErrorIs(t, err, status.ErrInvalidArgs)

	_, err = f.store.Inject(testPID, 0, []byte{1})
	assert.ErrorIs(t, err, status.ErrInvalidArgs)

	_, err = f.store.Inject(testPID+1, testBase, []byte{1})
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = f.store.Inject(testPID, testBase+testSize-2, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, status.ErrMutationFailed)
	assert.ErrorIs(t, err, mem.ErrNotMapped)

	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.space.Writes())
}

func TestRestricted(t *testing.T) {
	f := newFixture(t)
	f.registry.Restrict(testPID, procmap.Range{Start: testBase + 0x800, End: testBase + 0x900})

	_, err := f.store.Inject(testPID, testBase+0x7fe, []byte{1, 2, 3})
	assert.ErrorIs(t, err, status.ErrRestrictedAddress)

	_, _, err = f.store.Hook(testPID, testBase+0x8f0, 0x1234)
	assert.ErrorIs(t, err, status.ErrRestrictedAddress)

	_, err = f.store.Inject(testPID, testBase+0x900, []byte{1, 2, 3})
	assert.NoError(t, err)

	assert.Equal(t, 1, f.space.Writes())
}

func TestInjectWriteFailure(t *testing.T) {
	f := newFixture(t)
	addr := testBase + 0x40

	f.space.FailWrites(1)
	_, err := f.store.Inject(testPID, addr, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, status.ErrMutationFailed)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, f.originalAt(addr, 4), f.bytes(addr, 4))

	h, err := f.store.Inject(testPID, addr, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.bytes(addr, 4))

	f.space.FailWrites(1)
	assert.ErrorIs(t, f.store.Release(h), status.ErrMutationFailed)
	_, err = f.store.Lookup(h)
	assert.NoError(t, err, "failed release keeps the patch")

	require.NoError(t, f.store.Release(h))
	assert.Equal(t, f.originalAt(addr, 4), f.bytes(addr, 4))
}

func TestConcurrentInjectSameAddress(t *testing.T) {
	f := newFixture(t)
	addr := testBase + 0x500

	const n = 32
	var (
		g         errgroup.Group
		succeeded atomic.Int32
		handles   [n]Handle
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := f.store.Inject(testPID, addr, []byte{byte(i), byte(i), byte(i), byte(i)})
			if err == nil {
				succeeded.Add(1)
				handles[i] = h
				return nil
			}
			if !errors.Is(err, status.ErrPatchExists) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, 1, f.store.Len())

	for _, h := range handles {
		if h != 0 {
			require.NoError(t, f.store.Release(h))
		}
	}
	assert.Equal(t, f.originalAt(addr, 4), f.bytes(addr, 4))
}

func TestConcurrentHooksSameAddress(t *testing.T) {
	f := newFixture(t)
	addr := testBase + 0x600

	const n = 32
	var (
		g       errgroup.Group
		handles [n]Handle
		refs    [n]*Ref
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, ref, err := f.store.Hook(testPID, addr, 0x9000+uintptr(i)*0x10)
			handles[i], refs[i] = h, ref
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, n, f.store.Len())

	chain := f.store.Chain(testPID, addr)
	require.Len(t, chain, n)

	// Every hook continues somewhere different, and exactly one of them
	// continues to the original.
	nexts := map[uintptr]bool{}
	originals := 0
	for _, ref := range refs {
		next, orig := ref.Next()
		if orig {
			originals++
		}
		assert.False(t, nexts[next], "0x%x reached from two hooks", next)
		nexts[next] = true
	}
	assert.Equal(t, 1, originals)

	head, err := f.store.Lookup(chain[0])
	require.NoError(t, err)
	assert.Equal(t, 0, head.Depth)
	for i, h := range handles {
		if h == chain[0] {
			assert.Equal(t, 0x9000+uintptr(i)*0x10, f.liveTarget(t, addr))
		}
	}

	for _, h := range handles {
		g.Go(func() error { return f.store.Release(h) })
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, f.originalAt(addr, arch.AMD64.RedirectSize(addr)), f.bytes(addr, arch.AMD64.RedirectSize(addr)))
}

func TestConcurrentHooksDifferentAddresses(t *testing.T) {
	f := newFixture(t)

	var g errgroup.Group
	handles := make([]Handle, 16)
	for i := range handles {
		g.Go(func() error {
			h, _, err := f.store.Hook(testPID, testBase+uintptr(i)*0x40, 0x9000+uintptr(i))
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 16, f.store.Len())

	for i, h := range handles {
		g.Go(func() error {
			assert.Equal(t, 0x9000+uintptr(i), f.liveTarget(t, testBase+uintptr(i)*0x40))
			return f.store.Release(h)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, f.original, f.bytes(testBase, testSize))
}

func TestStaleHandle(t *testing.T) {
	f := newFixture(t)
	addr := testBase + 0x10

	h1, err := f.store.Inject(testPID, addr, []byte{1})
	require.NoError(t, err)
	require.NoError(t, f.store.Release(h1))

	h2, err := f.store.Inject(testPID, addr, []byte{2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1.slot(), h2.slot())

	writes := f.space.Writes()
	assert.ErrorIs(t, f.store.Release(h1), status.ErrInvalidHandle)
	assert.ErrorIs(t, f.store.Release(0), status.ErrInvalidHandle)
	assert.ErrorIs(t, f.store.Release(-5), status.ErrInvalidHandle)
	assert.ErrorIs(t, f.store.Release(h2+1), status.ErrInvalidHandle)
	assert.ErrorIs(t, f.store.ReleaseKind(h2, KindHook), status.ErrInvalidHandle)
	assert.Equal(t, writes, f.space.Writes())
	assert.Equal(t, []byte{2}, f.bytes(addr, 1))

	require.NoError(t, f.store.ReleaseKind(h2, KindInjection))
	assert.ErrorIs(t, f.store.Release(h2), status.ErrInvalidHandle)
}

func TestTeardownAll(t *testing.T) {
	f := newFixture(t)

	var handles []Handle
	for i := 0; i < 5; i++ {
		h, err := f.store.Inject(testPID, testBase+0x100*uintptr(i+1), []byte{0xaa, 0xbb})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for i := 0; i < 3; i++ {
		h, _, err := f.store.Hook(testPID, testBase+0x20, 0x9000+uintptr(i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	h, _, err := f.store.Hook(testPID, testBase+0x60, 0x9100)
	require.NoError(t, err)
	handles = append(handles, h)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.store.metrics.active.WithLabelValues("hook")))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.store.metrics.active.WithLabelValues("injection")))

	require.NoError(t, f.store.TeardownAll())
	assert.Equal(t, f.original, f.bytes(testBase, testSize))
	assert.Equal(t, 0, f.store.Len())

	for _, h := range handles {
		_, err := f.store.Lookup(h)
		assert.ErrorIs(t, err, status.ErrInvalidHandle)
		assert.ErrorIs(t, f.store.Release(h), status.ErrInvalidHandle)
	}

	_, err = f.store.Inject(testPID, testBase, []byte{1})
	assert.ErrorIs(t, err, status.ErrSystem)
	_, _, err = f.store.Hook(testPID, testBase, 0x9000)
	assert.ErrorIs(t, err, status.ErrSystem)

	assert.NoError(t, f.store.TeardownAll())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.store.metrics.active.WithLabelValues("hook")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.store.metrics.active.WithLabelValues("injection")))
}

func TestTeardownAllCollectsErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Inject(testPID, testBase+0x100, []byte{1, 1})
	require.NoError(t, err)
	_, err = f.store.Inject(testPID, testBase+0x200, []byte{2, 2})
	require.NoError(t, err)
	_, err = f.store.Inject(testPID, testBase+0x300, []byte{3, 3})
	require.NoError(t, err)

	f.space.FailWrites(1)
	err = f.store.TeardownAll()
	assert.ErrorIs(t, err, status.ErrMutationFailed)

	assert.Equal(t, []byte{1, 1}, f.bytes(testBase+0x100, 2))
	assert.Equal(t, f.originalAt(testBase+0x200, 2), f.bytes(testBase+0x200, 2))
	assert.Equal(t, f.originalAt(testBase+0x300, 2), f.bytes(testBase+0x300, 2))
	assert.Equal(t, 0, f.store.Len())
}

func TestOperationMetrics(t *testing.T) {
	f := newFixture(t)

	h, err := f.store.Inject(testPID, testBase, []byte{1})
	require.NoError(t, err)
	_, err = f.store.Inject(testPID, testBase, []byte{1})
	require.Error(t, err)
	require.NoError(t, f.store.Release(h))

	ops := f.store.metrics.ops
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("inject", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("inject", "patch_exists")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("release", "success")))

	// A second store on the same registry shares the collectors.
	other, err := NewStore(Options{
		Spaces:     func(procmap.PID) (mem.Space, error) { return f.space, nil },
		Registerer: f.metrics,
	})
	require.NoError(t, err)
	assert.Same(t, f.store.metrics.ops, other.metrics.ops)
}
