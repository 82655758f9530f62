package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageID(t *testing.T) {
	cases := []struct {
		id       MessageID
		category MessageCategory
	}{
		{MsgInvalid, CategoryInvalid},
		{MsgRequestFirst, CategoryRequest},
		{MsgRequestLast, CategoryRequest},
		{MsgResponseFirst, CategoryResponse},
		{MsgResponseLast, CategoryResponse},
		{MsgBroadcastFirst, CategoryBroadcast},
		{MsgBroadcastLast, CategoryBroadcast},
		{MsgAttributeFirst, CategoryAttribute},
		{MsgAttributeLast, CategoryAttribute},
		{MsgRemoveAllNotify, CategoryReserved},
		{0xFFFFFFFF, CategoryReserved},
	}
	for _, c := range cases {
		require.Equal(t, c.category, c.id.Category(), "category of %#x", uint32(c.id))
	}

	require.True(t, reqAdd.IsRequest())
	require.False(t, reqAdd.IsNotifiable())
	require.True(t, respAdd.IsNotifiable())
	require.True(t, bcTick.IsNotifiable())
	require.True(t, attrSum.IsNotifiable())
	require.False(t, MsgRemoveAllNotify.IsNotifiable())
	require.Equal(t, "attribute(0x8000)", attrSum.String())
}

func TestResultType(t *testing.T) {
	for _, r := range []ResultType{ResultRequestError, ResultRequestBusy, ResultRequestCanceled, ResultMessageUndelivered} {
		require.True(t, r.IsRequestFailure(), r.String())
	}
	for _, r := range []ResultType{ResultNotProcessed, ResultOK, ResultDataOK, ResultDataInvalid, ResultInvalid} {
		require.False(t, r.IsRequestFailure(), r.String())
		require.True(t, r.IsValid())
	}
	require.False(t, ResultType(42).IsValid())
	require.Equal(t, "unrecognized(42)", ResultType(42).String())
}

func TestServiceAddress(t *testing.T) {
	addr := NewServiceAddress(counterService, "counter", "main", 0xAB)
	require.True(t, addr.IsValid())
	require.True(t, addr.IsLocal(0xAB))
	require.False(t, addr.IsLocal(0xAC))
	require.Equal(t, "test.Counter/counter@main#ab", addr.String())
	require.Equal(t, addr, NewServiceAddress(counterService, "counter", "main", 0xAB))
	require.False(t, ServiceAddress{}.IsValid())
	require.True(t, sameStub(addr, NewServiceAddress(counterService, "counter", "", 0xAB)))
	require.False(t, sameStub(addr, NewServiceAddress(counterService, "counter", "main", 0xAC)))
}

func TestInterface(t *testing.T) {
	t.Run("metadata is indexed", func(t *testing.T) {
		iface := counterInterface(1)
		require.Equal(t, counterService, iface.Name())
		require.Equal(t, "1.2.0", iface.Version().String())
		require.Equal(t, 3, iface.NumRequests())
		require.Equal(t, 2, iface.NumResponses())
		require.Equal(t, 1, iface.NumBroadcasts())
		require.Equal(t, 1, iface.NumAttributes())

		require.True(t, iface.Has(reqSlow))
		require.False(t, iface.Has(0x0042))
		require.Equal(t, respAdd, iface.ResponseFor(reqAdd))
		require.Equal(t, MsgInvalid, iface.ResponseFor(reqPing))
		require.Equal(t, reqSlow, iface.RequestFor(respSlow))
		require.Equal(t, []MessageID{reqAdd}, iface.RequestsFor(respAdd))
		require.Empty(t, iface.RequestsFor(MsgInvalid))

		reqs := iface.Requests()
		reqs[0] = 0x0042
		require.Equal(t, reqAdd, iface.Requests()[0], "getters return copies")
	})

	t.Run("compatibility only depends on the name and major version", func(t *testing.T) {
		v1 := counterInterface(1)
		patched := MustInterface(InterfaceSpec{Name: counterService, Version: Version{Major: 1, Patch: 9}})
		require.True(t, v1.Compatible(patched))
		require.False(t, v1.Compatible(counterInterface(2)))
		require.False(t, v1.Compatible(MustInterface(InterfaceSpec{Name: "other", Version: Version{Major: 1}})))
	})

	t.Run("invalid metadata is rejected", func(t *testing.T) {
		cases := map[string]InterfaceSpec{
			"no name": {},
			"misaligned mappings": {
				Name:     "x",
				Requests: []MessageID{reqAdd},
			},
			"request in the response band": {
				Name:             "x",
				Requests:         []MessageID{respAdd},
				RequestResponses: []MessageID{MsgInvalid},
			},
			"duplicate id": {
				Name:       "x",
				Broadcasts: []MessageID{bcTick, bcTick},
			},
			"undeclared response": {
				Name:             "x",
				Requests:         []MessageID{reqAdd},
				RequestResponses: []MessageID{respAdd},
			},
			"reserved attribute": {
				Name:       "x",
				Attributes: []MessageID{MsgRemoveAllNotify},
			},
		}
		for name, spec := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := NewInterface(spec)
				require.ErrorIs(t, err, ErrInterface)
			})
		}
		require.Panics(t, func() { MustInterface(InterfaceSpec{}) })
	})
}

func TestDirectory(t *testing.T) {
	dir := newDirectory()
	local := &serviceRecord{addr: NewServiceAddress(counterService, "lights/north", "main", 1), stub: &Stub{}}
	remote := &serviceRecord{addr: NewServiceAddress(counterService, "lights/south", "", 2)}
	other := &serviceRecord{addr: NewServiceAddress(counterService, "doors/front", "", 2)}

	require.NoError(t, dir.register(local))
	require.NoError(t, dir.register(remote))
	require.NoError(t, dir.register(other))
	require.ErrorIs(t, dir.register(&serviceRecord{addr: local.addr}), ErrNameConflict)
	require.Equal(t, 3, dir.len())

	rec, ok := dir.lookup("lights/north")
	require.True(t, ok)
	require.Same(t, local, rec)
	require.False(t, rec.isRemote())

	scanned := dir.scan("lights/")
	require.Len(t, scanned, 2)
	require.Same(t, local, scanned[0])
	require.Same(t, remote, scanned[1])

	_, ok = dir.unregister("lights/north", (*serviceRecord).isRemote)
	require.False(t, ok, "the record does not match")
	_, ok = dir.unregister("missing", (*serviceRecord).isRemote)
	require.False(t, ok)

	removed := dir.removeChannel(2)
	require.ElementsMatch(t, []*serviceRecord{remote, other}, removed)
	require.Equal(t, 1, dir.len())

	rec, ok = dir.unregister("lights/north", func(rec *serviceRecord) bool { return rec == local })
	require.True(t, ok)
	require.Same(t, local, rec)
	require.Zero(t, dir.len())
}
