package patch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

type hookUnderTest struct {
	fn  uintptr
	h   Handle
	ref *Ref
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestChainScenario(t *testing.T) {
	f := newFixture(t)
	x := testBase + 0x80
	original := f.originalAt(x, arch.AMD64.RedirectSize(x))

	const fnA, fnB = 0x7000_0000_1000, 0x7000_0000_2000

	a, refA, err := f.store.Hook(testPID, x, fnA)
	require.NoError(t, err)
	assert.Equal(t, []Handle{a}, f.store.Chain(testPID, x))
	assert.Equal(t, uintptr(fnA), f.liveTarget(t, x))

	b, refB, err := f.store.Hook(testPID, x, fnB)
	require.NoError(t, err)
	assert.Equal(t, []Handle{b, a}, f.store.Chain(testPID, x))
	assert.Equal(t, uintptr(fnB), f.liveTarget(t, x))
	next, orig := refB.Next()
	assert.Equal(t, uintptr(fnA), next)
	assert.False(t, orig)

	writes := f.space.Writes()
	require.NoError(t, f.store.Release(a))
	assert.Equal(t, writes, f.space.Writes(), "releasing a non-head hook must not touch memory")
	assert.Equal(t, []Handle{b}, f.store.Chain(testPID, x))
	assert.Equal(t, uintptr(fnB), f.liveTarget(t, x))
	next, orig = refB.Next()
	assert.Equal(t, uintptr(0), next)
	assert.True(t, orig)

	// A's ref still works for a call already in flight.
	next, orig = refA.Next()
	assert.Equal(t, uintptr(0), next)
	assert.True(t, orig)

	require.NoError(t, f.store.Release(b))
	assert.Nil(t, f.store.Chain(testPID, x))
	assert.Equal(t, original, f.bytes(x, len(original)))
	assert.Equal(t, 0, f.store.Len())
}

func TestChainReleaseAnyOrder(t *testing.T) {
	const n = 4
	for _, order := range permutations(n) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t)
			x := testBase + 0x300
			original := f.originalAt(x, arch.AMD64.RedirectSize(x))

			hooks := make([]*hookUnderTest, n)
			for i := range hooks {
				fn := 0x7000_0000_0000 + uintptr(i+1)*0x100
				h, ref, err := f.store.Hook(testPID, x, fn)
				require.NoError(t, err)
				hooks[i] = &hookUnderTest{fn: fn, h: h, ref: ref}
			}

			live := append([]*hookUnderTest(nil), hooks...)
			for _, i := range order {
				require.NoError(t, f.store.Release(hooks[i].h))
				for j, hk := range live {
					if hk == hooks[i] {
						live = append(live[:j], live[j+1:]...)
						break
					}
				}

				// Installation order is preserved among the survivors.
				for j, hk := range live {
					next, orig := hk.ref.Next()
					if j == 0 {
						assert.True(t, orig)
						assert.Equal(t, uintptr(0), next)
					} else {
						assert.False(t, orig)
						assert.Equal(t, live[j-1].fn, next)
					}

					info, err := f.store.Lookup(hk.h)
					require.NoError(t, err)
					assert.Equal(t, len(live)-1-j, info.Depth)
				}

				if len(live) > 0 {
					assert.Equal(t, live[len(live)-1].fn, f.liveTarget(t, x))
				}
			}

			assert.Equal(t, original, f.bytes(x, len(original)))
			assert.Nil(t, f.store.Chain(testPID, x))
		})
	}
}

func TestHookWriteFailure(t *testing.T) {
	f := newFixture(t)
	x := testBase + 0x40

	f.space.FailWrites(1)
	_, _, err := f.store.Hook(testPID, x, 0x9000)
	assert.ErrorIs(t, err, status.ErrMutationFailed)
	assert.Equal(t, 0, f.store.Len())
	assert.Nil(t, f.store.Chain(testPID, x))

	a, _, err := f.store.Hook(testPID, x, 0x9000)
	require.NoError(t, err)

	f.space.FailWrites(1)
	_, _, err = f.store.Hook(testPID, x, 0xa000)
	assert.ErrorIs(t, err, status.ErrMutationFailed)
	assert.Equal(t, []Handle{a}, f.store.Chain(testPID, x))
	assert.Equal(t, uintptr(0x9000), f.liveTarget(t, x))

	b, refB, err := f.store.Hook(testPID, x, 0xb000)
	require.NoError(t, err)
	next, _ := refB.Next()
	assert.Equal(t, uintptr(0x9000), next)

	f.space.FailWrites(1)
	assert.ErrorIs(t, f.store.Release(b), status.ErrMutationFailed)
	assert.Equal(t, []Handle{b, a}, f.store.Chain(testPID, x))
	assert.Equal(t, uintptr(0xb000), f.liveTarget(t, x))
}

func TestHookInvalid(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.store.Hook(testPID, 0, 0x9000)
	assert.ErrorIs(t, err, status.ErrInvalidArgs)
	_, _, err = f.store.Hook(testPID, testBase, 0)
	assert.ErrorIs(t, err, status.ErrInvalidArgs)

	_, _, err = f.store.Hook(testPID, testBase, 0x9000)
	require.NoError(t, err)
	_, _, err = f.store.Hook(testPID, testBase+1, 0x9000)
	assert.ErrorIs(t, err, status.ErrPatchExists, "overlaps the hook at testBase")

	_, err = f.store.Inject(testPID, testBase+15, []byte{1})
	assert.ErrorIs(t, err, status.ErrPatchExists)
	_, err = f.store.Inject(testPID, testBase+16, []byte{1})
	assert.NoError(t, err)
}

func TestHookThumbSite(t *testing.T) {
	space := mem.NewSimulated(testPID, 0x8000, 0x100, arch.ARM)
	store, err := NewStore(Options{
		Spaces: func(procmap.PID) (mem.Space, error) { return space, nil },
	})
	require.NoError(t, err)

	a, _, err := store.Hook(testPID, 0x8011, 0x9001)
	require.NoError(t, err)
	assert.Equal(t, []Handle{a}, store.Chain(testPID, 0x8010))

	_, _, err = store.Hook(testPID, 0x8010, 0x9001)
	assert.ErrorIs(t, err, status.ErrPatchExists, "same code in another instruction mode")

	_, _, err = store.Hook(testPID, 0x8023, 0x9001)
	assert.ErrorIs(t, err, status.ErrMutationFailed)
	assert.ErrorIs(t, err, arch.ErrMisaligned)

	b, ref, err := store.Hook(testPID, 0x8011, 0xa001)
	require.NoError(t, err)
	next, _ := ref.Next()
	assert.Equal(t, uintptr(0x9001), next)

	require.NoError(t, store.Release(a))
	require.NoError(t, store.Release(b))
	assert.Equal(t, make([]byte, 0x100), space.Bytes(0x8000, 0x100))
}

type fakeTrampolines struct {
	addr  uintptr
	err   error
	built int
	freed int
}

func (ft *fakeTrampolines) Trampoline(space mem.Space, addr uintptr) (uintptr, func(), error) {
	if ft.err != nil {
		return 0, nil, ft.err
	}
	ft.built++
	return ft.addr, func() { ft.freed++ }, nil
}

func TestHookTrampoline(t *testing.T) {
	ft := &fakeTrampolines{addr: 0x5555_0000}
	f := newFixture(t, func(o *Options) { o.Trampolines = ft })
	x := testBase + 0x100

	a, refA, err := f.store.Hook(testPID, x, 0x9000)
	require.NoError(t, err)
	next, orig := refA.Next()
	assert.Equal(t, uintptr(0x5555_0000), next)
	assert.True(t, orig)

	_, refB, err := f.store.Hook(testPID, x, 0xa000)
	require.NoError(t, err)
	assert.Equal(t, 1, ft.built)

	require.NoError(t, f.store.Release(a))
	next, orig = refB.Next()
	assert.Equal(t, uintptr(0x5555_0000), next)
	assert.True(t, orig)

	require.NoError(t, f.store.Release(refB.Handle()))
	assert.Equal(t, 0, ft.freed, "trampolines outlive their site until teardown")

	require.NoError(t, f.store.TeardownAll())
	assert.Equal(t, 1, ft.freed)
}

func TestHookTrampolineUnavailable(t *testing.T) {
	ft := &fakeTrampolines{err: errors.New("cannot relocate")}
	f := newFixture(t, func(o *Options) { o.Trampolines = ft })

	_, ref, err := f.store.Hook(testPID, testBase, 0x9000)
	require.NoError(t, err)
	next, orig := ref.Next()
	assert.Equal(t, uintptr(0), next)
	assert.True(t, orig)
}

func TestHookTrampolineFreedOnFailure(t *testing.T) {
	ft := &fakeTrampolines{addr: 0x5555_0000}
	f := newFixture(t, func(o *Options) { o.Trampolines = ft })

	f.space.FailWrites(1)
	_, _, err := f.store.Hook(testPID, testBase, 0x9000)
	require.Error(t, err)
	assert.Equal(t, 1, ft.built)
	assert.Equal(t, 1, ft.freed)
}

type spaceWrite struct {
	addr uintptr
	data []byte
}

// recordingSpace keeps every write that reaches the space underneath.
type recordingSpace struct {
	mem.Space
	writes []spaceWrite
}

func (r *recordingSpace) Write(addr uintptr, data []byte) error {
	r.writes = append(r.writes, spaceWrite{addr: addr, data: append([]byte(nil), data...)})
	return r.Space.Write(addr, data)
}

func (r *recordingSpace) take() []spaceWrite {
	w := r.writes
	r.writes = nil
	return w
}

func newRecordingFixture(t *testing.T) (*fixture, *recordingSpace) {
	rec := &recordingSpace{}
	f := newFixture(t, func(o *Options) {
		inner := o.Spaces
		o.Spaces = func(pid procmap.PID) (mem.Space, error) {
			s, err := inner(pid)
			if err != nil {
				return nil, err
			}
			rec.Space = s
			return rec, nil
		}
	})
	return f, rec
}

func TestHookWriteOrder(t *testing.T) {
	f, rec := newRecordingFixture(t)
	x := testBase + 0x80
	size := arch.AMD64.RedirectSize(x)
	park := arch.AMD64.Park(x)

	const fnA, fnB = 0x7000_0000_1000, 0x7000_0000_2000
	redirectA, err := arch.AMD64.Redirect(x, fnA)
	require.NoError(t, err)

	// A new site is parked, then filled in behind the park, then unparked.
	a, _, err := f.store.Hook(testPID, x, fnA)
	require.NoError(t, err)
	assert.Equal(t, []spaceWrite{
		{addr: x, data: park},
		{addr: x + uintptr(len(park)), data: redirectA[len(park):]},
		{addr: x, data: redirectA[:len(park)]},
	}, rec.take())

	// Re-pointing only stores into the aligned literal word.
	literal := func(w []spaceWrite) {
		t.Helper()
		require.Len(t, w, 1)
		assert.GreaterOrEqual(t, w[0].addr, x+8)
		assert.LessOrEqual(t, w[0].addr+uintptr(len(w[0].data)), x+16)
	}
	b, _, err := f.store.Hook(testPID, x, fnB)
	require.NoError(t, err)
	literal(rec.take())

	require.NoError(t, f.store.Release(b))
	literal(rec.take())
	assert.Equal(t, uintptr(fnA), f.liveTarget(t, x))

	// Restoring the original goes through the park again.
	require.NoError(t, f.store.Release(a))
	w := rec.take()
	require.Len(t, w, 3)
	assert.Equal(t, spaceWrite{addr: x, data: park}, w[0])
	assert.Equal(t, x, w[2].addr)
	assert.Equal(t, f.originalAt(x, size), f.bytes(x, size))
}

func TestHookTornWrite(t *testing.T) {
	const fnA, fnB = 0x9000, 0x7fff_0000_a000

	t.Run("install", func(t *testing.T) {
		for after := 0; after < 3; after++ {
			f := newFixture(t)
			x := testBase + 0x40
			size := arch.AMD64.RedirectSize(x)

			f.space.TearWrite(after)
			_, _, err := f.store.Hook(testPID, x, fnA)
			assert.ErrorIs(t, err, status.ErrMutationFailed)
			assert.Equal(t, 0, f.store.Len())
			assert.Equal(t, f.originalAt(x, size), f.bytes(x, size), "torn after %d writes", after)
		}
	})

	t.Run("re-point", func(t *testing.T) {
		f := newFixture(t)
		x := testBase + 0x40

		a, _, err := f.store.Hook(testPID, x, fnA)
		require.NoError(t, err)

		f.space.TearWrite(0)
		_, _, err = f.store.Hook(testPID, x, fnB)
		assert.ErrorIs(t, err, status.ErrMutationFailed)
		assert.Equal(t, []Handle{a}, f.store.Chain(testPID, x))
		assert.Equal(t, uintptr(fnA), f.liveTarget(t, x))
	})

	t.Run("release head", func(t *testing.T) {
		f := newFixture(t)
		x := testBase + 0x40

		a, _, err := f.store.Hook(testPID, x, fnA)
		require.NoError(t, err)
		b, _, err := f.store.Hook(testPID, x, fnB)
		require.NoError(t, err)

		f.space.TearWrite(0)
		assert.ErrorIs(t, f.store.Release(b), status.ErrMutationFailed)
		assert.Equal(t, []Handle{b, a}, f.store.Chain(testPID, x))
		assert.Equal(t, uintptr(fnB), f.liveTarget(t, x))
	})

	t.Run("restore original", func(t *testing.T) {
		for after := 0; after < 3; after++ {
			f := newFixture(t)
			x := testBase + 0x40

			a, _, err := f.store.Hook(testPID, x, fnA)
			require.NoError(t, err)

			f.space.TearWrite(after)
			assert.ErrorIs(t, f.store.Release(a), status.ErrMutationFailed)
			assert.Equal(t, []Handle{a}, f.store.Chain(testPID, x))
			assert.Equal(t, uintptr(fnA), f.liveTarget(t, x), "torn after %d writes", after)
		}
	})
}
