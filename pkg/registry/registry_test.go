package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func TestRegister_CanonicalName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:screenshot", "", Descriptor{Handler: noop}))

	d, ok := r.Get("vm:screenshot")
	require.True(t, ok)
	assert.Equal(t, "vm", d.ResourceType)
	assert.Equal(t, "screenshot", d.SimpleName)
	assert.False(t, d.Stateless())
}

func TestRegister_ResourceTypeArgument(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("click", "vm", Descriptor{Handler: noop}))

	d, ok := r.Get("vm:click")
	require.True(t, ok)
	assert.Equal(t, "vm", d.ResourceType)
	assert.Equal(t, "click", d.SimpleName)
}

func TestRegister_Stateless(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("search", "", Descriptor{Handler: noop}))

	d, ok := r.Get("search")
	require.True(t, ok)
	assert.True(t, d.Stateless())
}

func TestRegister_DuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))
	err := r.Register("vm:click", "", Descriptor{Handler: noop})
	assert.Error(t, err)
}

func TestResolve_ExactMatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	d, ambiguous, _ := r.Resolve("vm:click")
	require.NotNil(t, d)
	assert.False(t, ambiguous)
	assert.Equal(t, "vm:click", d.FullName)
}

func TestResolve_UnprefixedNotFoundWithColon(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	d, ambiguous, _ := r.Resolve("vm:nonexistent")
	assert.Nil(t, d)
	assert.False(t, ambiguous)
}

func TestResolve_UniqueSimpleName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	d, ambiguous, _ := r.Resolve("click")
	require.NotNil(t, d)
	assert.False(t, ambiguous)
	assert.Equal(t, "vm:click", d.FullName)
}

func TestResolve_AmbiguousSimpleName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:search", "", Descriptor{Handler: noop}))
	require.NoError(t, r.Register("rag:search", "", Descriptor{Handler: noop}))

	d, ambiguous, candidates := r.Resolve("search")
	assert.Nil(t, d)
	assert.True(t, ambiguous)
	assert.ElementsMatch(t, []string{"rag:search", "vm:search"}, candidates)
}

func TestNormalizeToolName_DotAndUnderscoreSeparators(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	assert.Equal(t, "vm:click", r.NormalizeToolName("vm.click"))
	assert.Equal(t, "vm:click", r.NormalizeToolName("vm_click"))
}

func TestNormalizeToolName_UnknownPrefixPassesThrough(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	// "web_search" has no known "web" resource prefix, so it must not be
	// rewritten even though it contains "_".
	assert.Equal(t, "web_search", r.NormalizeToolName("web_search"))
}

func TestNormalizeToolName_KnownPrefixButUnregisteredCandidate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	assert.Equal(t, "vm_unknown", r.NormalizeToolName("vm_unknown"))
}

func TestNormalizeToolName_AlreadyCanonical(t *testing.T) {
	r := New()
	assert.Equal(t, "vm:click", r.NormalizeToolName("vm:click"))
}

func TestList_SortedByFullName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("vm:screenshot", "", Descriptor{Handler: noop}))
	require.NoError(t, r.Register("vm:click", "", Descriptor{Handler: noop}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "vm:click", list[0].FullName)
	assert.Equal(t, "vm:screenshot", list[1].FullName)
}

func TestCapability_Has(t *testing.T) {
	caps := CapNeedsWorkerID | CapNeedsTraceID
	assert.True(t, caps.Has(CapNeedsWorkerID))
	assert.True(t, caps.Has(CapNeedsTraceID))
	assert.False(t, caps.Has(CapNeedsSessionInfo))
}
