package refresh

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

func TestSaveInstances_CreatesNewInstance(t *testing.T) {
	env := newTestEnv(t)
	input := vm("i-1", "a", "r1")

	report := env.saveInstances(t, ProviderTarget, true, input)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, StatusCreated, res.Status)
	require.NotZero(t, res.ID)

	id, ok := res.Record.ID()
	assert.True(t, ok)
	assert.Equal(t, res.ID, id)

	e := env.entity(t, res.ID)
	assert.Equal(t, "r1", e.EMSRef)
	assert.Equal(t, "i-1", e.UIDEMS)
	assert.Equal(t, "a", e.Name)
	assert.Equal(t, env.ems.ID, e.EMSID)
	assert.Equal(t, "openstack_vm", e.Type, "vendor default type")
	assert.Equal(t, false, e.Attributes["template"])

	assert.False(t, input.Has(snapshot.KeyID), "input is left untouched")
}

func TestSaveInstances_UpdatesInPlace(t *testing.T) {
	env := newTestEnv(t)

	first := env.saveInstances(t, ProviderTarget, true, vm("i-1", "a", "r1"))
	second := env.saveInstances(t, ProviderTarget, true, vm("i-1", "a2", "r1"))

	require.Len(t, second.Results, 1)
	assert.Equal(t, StatusUpdated, second.Results[0].Status)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)
	assert.Equal(t, "a2", env.entity(t, first.Results[0].ID).Name)
}

func TestSaveInstances_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	batch := func() []*snapshot.Record {
		return []*snapshot.Record{vm("i-1", "a", "r1"), vm("i-2", "b", "r2"), vm("i-3", "c", "r3")}
	}

	ids := func(r *Report) []int64 {
		var out []int64
		for _, res := range r.Results {
			out = append(out, res.ID)
		}

		return out
	}

	first := env.saveInstances(t, ProviderTarget, true, batch()...)
	second := env.saveInstances(t, ProviderTarget, true, batch()...)

	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, 3, second.Count(collectionInstances, StatusUpdated))

	owned, err := env.store.ListOwned(context.Background(), collectionInstances, env.ems.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 3)
}

func TestSaveInstances_TypeIsImmutable(t *testing.T) {
	env := newTestEnv(t)

	first := env.saveInstances(t, ProviderTarget, true, vm("t-1", "tmpl", "r1").Set("type", "openstack_template"))
	env.saveInstances(t, ProviderTarget, true, vm("t-1", "tmpl", "r1").Set("type", "openstack_vm"))

	e := env.entity(t, first.Results[0].ID)
	assert.Equal(t, "openstack_template", e.Type)
	assert.Equal(t, true, e.Attributes["template"])
}

func TestSaveInstances_UnknownTypeIsInvalid(t *testing.T) {
	env := newTestEnv(t)

	report := env.saveInstances(t, ProviderTarget, true, vm("i-1", "a", "r1").Set("type", "mainframe"))

	res := report.Results[0]
	assert.Equal(t, StatusInvalid, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownType)
	assert.ErrorIs(t, report.Err(), ErrUnknownType)
}

func TestSaveInstances_ProviderScopeDisconnects(t *testing.T) {
	env := newTestEnv(t)

	prior := env.saveInstances(t, ProviderTarget, true, vm("i-1", "x", "r1"), vm("i-2", "y", "r2"))
	report := env.saveInstances(t, ProviderTarget, true, vm("i-2", "y", "r2"))

	assert.Equal(t, 1, report.Disconnected)
	assert.Empty(t, env.requeuer.calls)

	gone := env.entity(t, prior.Results[0].ID)
	assert.Zero(t, gone.EMSID)
	assert.True(t, gone.Disconnected())

	kept := env.entity(t, prior.Results[1].ID)
	assert.Equal(t, env.ems.ID, kept.EMSID)
}

func TestSaveInstances_NoDisconnectIsAdditive(t *testing.T) {
	env := newTestEnv(t)

	prior := env.saveInstances(t, ProviderTarget, true, vm("i-1", "x", "r1"))
	report := env.saveInstances(t, ProviderTarget, false)

	assert.Zero(t, report.Disconnected)
	assert.Equal(t, env.ems.ID, env.entity(t, prior.Results[0].ID).EMSID)
}

func TestSaveInstances_HostScopeRequeuesAndPartiallyDisconnects(t *testing.T) {
	env := newTestEnv(t)
	host := env.create(t, &inventory.Entity{Collection: collectionHosts, EMSID: env.ems.ID, EMSRef: "h1"})

	prior := env.saveInstances(t, ProviderTarget, true,
		vm("i-1", "x", "r1").Set("host", rec("id", host.ID)),
	)
	x := prior.Results[0].ID
	require.Equal(t, host.ID, env.entity(t, x).Link(inventory.RelationHost))

	report := env.saveInstances(t, Target{Kind: TargetHost, ID: host.ID}, true)

	require.Len(t, env.requeuer.calls, 1)
	assert.Equal(t, requeueCall{emsID: env.ems.ID, ids: []int64{x}}, env.requeuer.calls[0])
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.PartiallyDisconnected)
	assert.Zero(t, report.Disconnected)

	e := env.entity(t, x)
	assert.Equal(t, env.ems.ID, e.EMSID, "ownership is kept")
	assert.Zero(t, e.Link(inventory.RelationHost))
	assert.False(t, e.Disconnected())
}

func TestSaveInstances_HostScopeUsesStoreQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ems, err := store.EnsureProvider(ctx, "ems", "")
	require.NoError(t, err)

	host := &inventory.Entity{Collection: collectionHosts, EMSID: ems.ID}
	require.NoError(t, store.Create(ctx, host))

	rf := New(&Config{Store: store, Logger: testLogger(t)})

	prior, err := rf.SaveInstances(ctx, ems, []*snapshot.Record{vm("i-1", "x", "r1").Set("host", rec("id", host.ID))}, ProviderTarget, true)
	require.NoError(t, err)

	_, err = rf.SaveInstances(ctx, ems, nil, Target{Kind: TargetHost, ID: host.ID}, true)
	require.NoError(t, err)

	items, err := store.ListQueue(ctx, ems.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, prior.Results[0].ID, items[0].EntityID)
	assert.Equal(t, collectionInstances, items[0].Collection)
}

func TestSaveInstances_ZoneScope(t *testing.T) {
	env := newTestEnv(t)
	zoneA := env.create(t, &inventory.Entity{Collection: collectionAvailabilityZones, EMSID: env.ems.ID, EMSRef: "az-a"})
	zoneB := env.create(t, &inventory.Entity{Collection: collectionAvailabilityZones, EMSID: env.ems.ID, EMSRef: "az-b"})

	prior := env.saveInstances(t, ProviderTarget, true,
		vm("i-1", "in-a", "r1").Set("availability_zone", rec("ems_ref", "az-a")),
		vm("i-2", "in-b", "r2").Set("availability_zone", rec("ems_ref", "az-b")),
	)
	require.Equal(t, zoneA.ID, env.entity(t, prior.Results[0].ID).Link(inventory.RelationAvailabilityZone))
	require.Equal(t, zoneB.ID, env.entity(t, prior.Results[1].ID).Link(inventory.RelationAvailabilityZone))

	report := env.saveInstances(t, Target{Kind: TargetZone, ID: zoneA.ID}, true)

	assert.Equal(t, 1, report.Disconnected)
	assert.True(t, env.entity(t, prior.Results[0].ID).Disconnected())
	assert.False(t, env.entity(t, prior.Results[1].ID).Disconnected())
}

func TestSaveInstances_InstanceScope(t *testing.T) {
	env := newTestEnv(t)

	prior := env.saveInstances(t, ProviderTarget, true, vm("i-1", "x", "r1"), vm("i-2", "y", "r2"))
	x := prior.Results[0].ID

	report := env.saveInstances(t, Target{Kind: TargetInstance, ID: x}, true)

	assert.Equal(t, 1, report.Disconnected)
	assert.True(t, env.entity(t, x).Disconnected())
	assert.False(t, env.entity(t, prior.Results[1].ID).Disconnected())

	// A target that no longer exists has nothing to disconnect.
	report = env.saveInstances(t, Target{Kind: TargetInstance, ID: 99999}, true)
	assert.Zero(t, report.Disconnected)
}

func TestSaveInstances_ZoneScopeSkipsReleasedInstances(t *testing.T) {
	env := newTestEnv(t)
	zone := env.create(t, &inventory.Entity{Collection: collectionAvailabilityZones, EMSID: env.ems.ID, EMSRef: "az-a"})

	prior := env.saveInstances(t, ProviderTarget, true,
		vm("i-1", "in-a", "r1").Set("availability_zone", rec("ems_ref", "az-a")),
	)
	x := prior.Results[0].ID

	first := env.saveInstances(t, Target{Kind: TargetZone, ID: zone.ID}, true)
	require.Equal(t, 1, first.Disconnected)

	released := env.entity(t, x)
	require.Equal(t, zone.ID, released.Link(inventory.RelationAvailabilityZone), "zone link survives the release")

	second := env.saveInstances(t, Target{Kind: TargetZone, ID: zone.ID}, true)

	assert.Zero(t, second.Disconnected)
	assert.Equal(t, released.DisconnectedAt, env.entity(t, x).DisconnectedAt)
}

func TestSaveInstances_ScopedTargetsSkipForeignInstances(t *testing.T) {
	env := newTestEnv(t)
	other := env.provider(t, "other", "openstack")

	zone := env.create(t, &inventory.Entity{Collection: collectionAvailabilityZones, EMSID: other.ID, EMSRef: "az-shared"})
	host := env.create(t, &inventory.Entity{Collection: collectionHosts, EMSRef: "h-shared"})

	foreign := &inventory.Entity{Collection: collectionInstances, EMSID: other.ID, UIDEMS: "f-1", EMSRef: "f1"}
	foreign.SetLink(inventory.RelationAvailabilityZone, zone.ID)
	foreign.SetLink(inventory.RelationHost, host.ID)
	env.create(t, foreign)

	tests := []struct {
		name   string
		target Target
	}{
		{"zone", Target{Kind: TargetZone, ID: zone.ID}},
		{"host", Target{Kind: TargetHost, ID: host.ID}},
		{"instance", Target{Kind: TargetInstance, ID: foreign.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := env.saveInstances(t, tt.target, true)

			assert.Zero(t, report.Disconnected)
			assert.Zero(t, report.PartiallyDisconnected)
			assert.Zero(t, report.Requeued)

			e := env.entity(t, foreign.ID)
			assert.Equal(t, other.ID, e.EMSID)
			assert.Equal(t, host.ID, e.Link(inventory.RelationHost))
			assert.False(t, e.Disconnected())
		})
	}

	assert.Empty(t, env.requeuer.calls)
}

func TestSaveInstances_FailingRecordSuppressesDisconnect(t *testing.T) {
	env := newTestEnv(t)

	prior := env.saveInstances(t, ProviderTarget, true, vm("i-9", "old", "r9"))

	bad := vm("i-1", "bad", "r1").Set("cpu_ratio", math.NaN())
	good := vm("i-2", "good", "r2")

	report := env.saveInstances(t, ProviderTarget, true, bad, good)

	require.Len(t, report.Results, 2)
	assert.Equal(t, StatusInvalid, report.Results[0].Status)
	assert.ErrorIs(t, report.Results[0].Err, inventory.ErrUnencodable)
	assert.Zero(t, report.Results[0].ID)
	assert.True(t, report.Results[0].Record.Invalid())

	assert.Equal(t, StatusCreated, report.Results[1].Status)
	assert.NotZero(t, report.Results[1].ID)

	assert.True(t, report.DisconnectSuppressed)
	assert.Zero(t, report.Disconnected)
	assert.Equal(t, env.ems.ID, env.entity(t, prior.Results[0].ID).EMSID)

	found, err := env.store.FindByKey(context.Background(), collectionInstances, "uid_ems", []string{"i-1"})
	require.NoError(t, err)
	assert.Empty(t, found, "failed record left nothing behind")

	assert.False(t, bad.Has(snapshot.KeyInvalid), "input is left untouched")
}

func TestSaveInstances_CollectorInvalidIsSkipped(t *testing.T) {
	env := newTestEnv(t)

	prior := env.saveInstances(t, ProviderTarget, true, vm("i-1", "x", "r1"))

	report := env.saveInstances(t, ProviderTarget, true, vm("i-1", "x2", "r1").Set("invalid", true))

	res := report.Results[0]
	assert.Equal(t, StatusInvalid, res.Status)
	assert.ErrorIs(t, res.Err, ErrIncompleteData)

	e := env.entity(t, prior.Results[0].ID)
	assert.Equal(t, "x", e.Name, "no update attempted")
	assert.Equal(t, env.ems.ID, e.EMSID, "not disconnected")
	assert.True(t, report.DisconnectSuppressed)
	assert.Zero(t, report.Disconnected)
}

func TestSaveInstances_DebugFailuresAborts(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.DebugFailures = true })

	_, err := env.rf.SaveInstances(context.Background(), env.ems, []*snapshot.Record{
		vm("i-1", "bad", "r1").Set("type", "mainframe"),
		vm("i-2", "good", "r2"),
	}, ProviderTarget, true)

	require.ErrorIs(t, err, ErrUnknownType)

	found, ferr := env.store.FindByKey(context.Background(), collectionInstances, "uid_ems", []string{"i-2"})
	require.NoError(t, ferr)
	assert.Empty(t, found, "records after the failure are not attempted")
}

func TestSaveInstances_StripsAndRestoresCrossReferences(t *testing.T) {
	env := newTestEnv(t)
	hw := rec("cpus", 4)

	input := vm("i-1", "a", "r1").
		Set("hardware", hw).
		Set("raw_power_state", "ACTIVE").
		Set("location", "rack-3")

	report := env.saveInstances(t, ProviderTarget, true, input)
	res := report.Results[0]

	e := env.entity(t, res.ID)
	assert.Equal(t, "rack-3", e.Attributes["location"])
	assert.NotContains(t, e.Attributes, "hardware")
	assert.Equal(t, "ACTIVE", e.RawPowerState)

	assert.Same(t, hw, res.Record.Record("hardware"), "stripped fields are restored on the working copy")
	assert.Equal(t, "ACTIVE", res.Record.String("raw_power_state"))
	assert.Same(t, hw, input.Record("hardware"))
}

func TestSaveInstances_DuplicateUIDs(t *testing.T) {
	env := newTestEnv(t)

	d1 := env.create(t, &inventory.Entity{Collection: collectionInstances, EMSID: env.ems.ID, UIDEMS: "dup", EMSRef: "r1"})
	d2 := env.create(t, &inventory.Entity{Collection: collectionInstances, EMSID: env.ems.ID, UIDEMS: "dup", EMSRef: "r2"})

	report := env.saveInstances(t, ProviderTarget, true,
		vm("dup", "second", "r2"),
		vm("dup", "first", "r1"),
	)

	assert.Equal(t, []string{"dup"}, report.Duplicates)
	assert.Equal(t, d2.ID, report.Results[0].ID)
	assert.Equal(t, d1.ID, report.Results[1].ID)
	assert.Equal(t, 2, report.Count(collectionInstances, StatusUpdated))
}

func TestSaveInstances_DuplicateUIDsInBatchFirstWins(t *testing.T) {
	env := newTestEnv(t)

	existing := env.create(t, &inventory.Entity{Collection: collectionInstances, EMSID: env.ems.ID, UIDEMS: "dup"})

	report := env.saveInstances(t, ProviderTarget, true,
		vm("dup", "one", "r1"),
		vm("dup", "two", "r2"),
	)

	assert.Equal(t, []string{"dup"}, report.Duplicates)
	assert.Equal(t, StatusUpdated, report.Results[0].Status)
	assert.Equal(t, existing.ID, report.Results[0].ID)
	assert.Equal(t, StatusCreated, report.Results[1].Status)
	assert.NotEqual(t, existing.ID, report.Results[1].ID)
}

func TestSaveInstances_ReconnectsDisconnectedInstance(t *testing.T) {
	env := newTestEnv(t)
	other := env.provider(t, "other", "")

	orphan := env.create(t, &inventory.Entity{Collection: collectionInstances, UIDEMS: "i-1", EMSRef: "r1"})
	require.NoError(t, env.store.Disconnect(context.Background(), orphan.ID))

	owned := env.create(t, &inventory.Entity{Collection: collectionInstances, EMSID: other.ID, UIDEMS: "i-2"})

	report := env.saveInstances(t, ProviderTarget, true, vm("i-1", "a", "r1"), vm("i-2", "b", "r2"))

	assert.Equal(t, orphan.ID, report.Results[0].ID)
	e := env.entity(t, orphan.ID)
	assert.Equal(t, env.ems.ID, e.EMSID)
	assert.False(t, e.Disconnected())

	// Owned by another provider and not released: never stolen.
	assert.Equal(t, StatusCreated, report.Results[1].Status)
	assert.NotEqual(t, owned.ID, report.Results[1].ID)
}

func TestSaveInstances_Genealogy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tmpl := vm("t-1", "template", "rt").Set("type", "openstack_template")
	child := vm("i-1", "child", "r1").Set("parent_vm", tmpl)

	// The child comes first: lineage is linked after the whole batch.
	report := env.saveInstances(t, ProviderTarget, true, child, tmpl)

	parent, err := env.store.Parent(ctx, report.Results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, report.Results[1].ID, parent)
	assert.True(t, report.Results[0].Linked)
}

func TestSaveInstances_GenealogySkipsInvalidParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tmpl := vm("t-1", "template", "rt").Set("invalid", true)
	child := vm("i-1", "child", "r1").Set("parent_vm", tmpl)

	report := env.saveInstances(t, ProviderTarget, true, tmpl, child)

	assert.Equal(t, StatusInvalid, report.Results[0].Status)
	assert.Equal(t, StatusCreated, report.Results[1].Status)
	assert.False(t, report.Results[1].Linked)

	parent, err := env.store.Parent(ctx, report.Results[1].ID)
	require.NoError(t, err)
	assert.Zero(t, parent)
}

func TestSaveInstances_ResolvesReferencesFromStore(t *testing.T) {
	env := newTestEnv(t)
	other := env.provider(t, "other", "")

	flavor := env.create(t, &inventory.Entity{Collection: collectionFlavors, EMSID: env.ems.ID, EMSRef: "m1.small"})
	env.create(t, &inventory.Entity{Collection: collectionFlavors, EMSID: other.ID, EMSRef: "m1.large"})

	tenant1 := env.create(t, &inventory.Entity{Collection: collectionCloudTenants, EMSID: env.ems.ID, EMSRef: "t1"})
	tenant2 := env.create(t, &inventory.Entity{Collection: collectionCloudTenants, EMSID: env.ems.ID, EMSRef: "t2"})

	report := env.saveInstances(t, ProviderTarget, true,
		vm("i-1", "a", "r1").
			Set("flavor", rec("ems_ref", "m1.small")).
			Set("cloud_tenants", []*snapshot.Record{rec("ems_ref", "t1"), rec("ems_ref", "t2"), rec("ems_ref", "t1")}),
		vm("i-2", "b", "r2").Set("flavor", rec("ems_ref", "m1.large")),
	)

	a := env.entity(t, report.Results[0].ID)
	assert.Equal(t, flavor.ID, a.Link("flavor"))
	assert.Equal(t, []int64{tenant1.ID, tenant2.ID}, a.Links["cloud_tenants"])

	b := env.entity(t, report.Results[1].ID)
	assert.Zero(t, b.Link("flavor"), "another provider's flavor is not linked")
}

func TestSaveInstances_UpdateClearsMissingReference(t *testing.T) {
	env := newTestEnv(t)
	flavor := env.create(t, &inventory.Entity{Collection: collectionFlavors, EMSID: env.ems.ID, EMSRef: "m1"})

	first := env.saveInstances(t, ProviderTarget, true, vm("i-1", "a", "r1").Set("flavor", rec("id", flavor.ID)))
	require.Equal(t, flavor.ID, env.entity(t, first.Results[0].ID).Link("flavor"))

	env.saveInstances(t, ProviderTarget, true, vm("i-1", "a", "r1"))
	assert.Zero(t, env.entity(t, first.Results[0].ID).Link("flavor"))
}

func TestSaveInstances_BadHostLinkIsIsolated(t *testing.T) {
	env := newTestEnv(t)

	report := env.saveInstances(t, ProviderTarget, true,
		vm("i-1", "a", "r1").Set("host", rec("id", int64(424242))),
		vm("i-2", "b", "r2"),
	)

	assert.Equal(t, StatusInvalid, report.Results[0].Status)
	assert.Error(t, report.Results[0].Err)
	assert.Equal(t, StatusCreated, report.Results[1].Status)
	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "instances a")
}
