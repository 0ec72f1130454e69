package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/refresh"
)

const cloudSnapshot = `
flavors:
  - &small {ems_ref: m1.small, name: small}
instances:
  - {uid_ems: i-1, ems_ref: r1, name: web, flavor: *small}
  - {uid_ems: i-2, ems_ref: r2, name: db, flavor: *small}
`

func writeSnapshot(t *testing.T, dir, name, doc string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	return path
}

func listEntities(t *testing.T, db string, args ...string) []entityJSON {
	t.Helper()

	out, err := runCLI(t, append([]string{"--db", db, "--json", "inventory"}, args...)...)
	require.NoError(t, err)

	var entities []entityJSON
	require.NoError(t, json.Unmarshal([]byte(out), &entities))

	return entities
}

func TestRefreshCmd_SavesSnapshot(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	out, err := runCLI(t, "--db", db, "refresh", "--ems", "os1", "--type", "openstack", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Refreshed os1 (provider)")
	assert.Contains(t, out, "instances   2")
	assert.Contains(t, out, "Disconnected: 0")

	instances := listEntities(t, db, "--ems", "os1", "--collection", "instances")
	require.Len(t, instances, 2)
	assert.Equal(t, "openstack_vm", instances[0].Type)
	assert.NotZero(t, instances[0].Links["flavor"])
}

func TestRefreshCmd_JSONSummary(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	out, err := runCLI(t, "--db", db, "--json", "refresh", "--ems", "os1", "--type", "openstack", file)
	require.NoError(t, err)

	var summary refreshSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))

	assert.Equal(t, "os1", summary.EMS)
	assert.Equal(t, "provider", summary.Target)
	assert.NotEmpty(t, summary.RunID)
	assert.Contains(t, summary.Collections, collectionSummary{Name: "instances", Created: 2})
	assert.Contains(t, summary.Collections, collectionSummary{Name: "flavors", Created: 1})
}

func TestRefreshCmd_SplitFilesMerge(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	a := writeSnapshot(t, dir, "a.yaml", "flavors:\n  - {ems_ref: m1, name: one}\n")
	b := writeSnapshot(t, dir, "b.yaml", "instances:\n  - {uid_ems: i-1, ems_ref: r1, name: web}\n")

	_, err := runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", a, b)
	require.NoError(t, err)

	assert.Len(t, listEntities(t, db), 2)
}

func TestRefreshCmd_Disconnect(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	full := writeSnapshot(t, dir, "full.yaml", cloudSnapshot)
	empty := writeSnapshot(t, dir, "empty.yaml", "instances: []\n")

	_, err := runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", full)
	require.NoError(t, err)

	_, err = runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", "--no-disconnect", empty)
	require.NoError(t, err)
	assert.Len(t, listEntities(t, db, "--collection", "instances"), 2, "--no-disconnect keeps instances")

	_, err = runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", empty)
	require.NoError(t, err)
	assert.Empty(t, listEntities(t, db, "--collection", "instances"))

	all := listEntities(t, db, "--collection", "instances", "--all")
	require.Len(t, all, 2)
	assert.True(t, all[0].Disconnected)
}

func TestRefreshCmd_PartialRefresh(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	full := writeSnapshot(t, dir, "full.yaml", cloudSnapshot)
	partial := writeSnapshot(t, dir, "partial.yaml", `
instances:
  - {uid_ems: i-1, ems_ref: r1, name: web, invalid: true}
`)

	_, err := runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", full)
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "refresh", "--ems", "os1", partial)
	require.ErrorIs(t, err, errPartialRefresh)
	assert.Contains(t, out, "Invalid instances[0]")
	assert.Contains(t, out, "Disconnect skipped")

	assert.Len(t, listEntities(t, db, "--collection", "instances"), 2, "i-2 survives the suppressed disconnect")
}

func TestRefreshCmd_ArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing ems", []string{"refresh", file}, "ems"},
		{"no input", []string{"refresh", "--ems", "os1"}, "no snapshot files"},
		{"watch and files", []string{"refresh", "--ems", "os1", "--watch", dir, file}, "mutually exclusive"},
		{"missing file", []string{"refresh", "--ems", "os1", filepath.Join(dir, "nope.yaml")}, "reading snapshots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, append([]string{"--db", db}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRefreshCmd_InvalidTarget(t *testing.T) {
	dir := t.TempDir()
	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	_, err := runCLI(t, "--db", filepath.Join(dir, "inv.db"), "refresh", "--ems", "os1", "--target", "rack:1", file)
	require.ErrorIs(t, err, refresh.ErrInvalidTarget)
}

func TestRefreshCmd_MetricsTextfile(t *testing.T) {
	dir := t.TempDir()
	prom := filepath.Join(dir, "emsrefresh.prom")
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"[store]\ndb_path = \""+filepath.Join(dir, "inv.db")+"\"\n\n[metrics]\ntextfile = \""+prom+"\"\n",
	), 0o600))

	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	_, err := runCLI(t, "--config", cfgPath, "-q", "refresh", "--ems", "os1", file)
	require.NoError(t, err)

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `emsrefresh_runs_total{outcome="ok"} 1`)
}

func TestProvidersCmd(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	_, err := runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", "--type", "openstack", file)
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "--json", "providers")
	require.NoError(t, err)

	var providers []providerJSON
	require.NoError(t, json.Unmarshal([]byte(out), &providers))
	require.Len(t, providers, 1)
	assert.Equal(t, "os1", providers[0].Name)
	assert.Equal(t, "openstack", providers[0].Type)
	assert.NotZero(t, providers[0].LastRefreshAt)
	assert.Empty(t, providers[0].LastRefreshError)

	out, err = runCLI(t, "--db", db, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "os1")
	assert.Contains(t, out, "openstack")
}

func TestInventoryCmd_Table(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	file := writeSnapshot(t, dir, "snap.yaml", cloudSnapshot)

	_, err := runCLI(t, "--db", db, "-q", "refresh", "--ems", "os1", file)
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "inventory", "--collection", "instances")
	require.NoError(t, err)
	assert.Contains(t, out, "COLLECTION")
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "flavor=")
}

func TestInventoryCmd_UnknownProvider(t *testing.T) {
	_, err := runCLI(t, "--db", filepath.Join(t.TempDir(), "inv.db"), "inventory", "--ems", "nope")
	require.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestQueueCmd_ListAndClear(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inv.db")
	ctx := context.Background()

	store, err := inventory.Open(db, 5*time.Second, testLogger(t))
	require.NoError(t, err)

	ems, err := store.EnsureProvider(ctx, "os1", "openstack")
	require.NoError(t, err)

	vm := &inventory.Entity{Collection: "instances", EMSID: ems.ID, UIDEMS: "i-1", Name: "web"}
	require.NoError(t, store.Create(ctx, vm))
	require.NoError(t, store.QueueRefresh(ctx, ems.ID, "host_disconnected", []*inventory.Entity{vm}))
	require.NoError(t, store.Close())

	out, err := runCLI(t, "--db", db, "--json", "queue", "list", "--ems", "os1")
	require.NoError(t, err)

	var items []queueItemJSON
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, vm.ID, items[0].EntityID)
	assert.Equal(t, "host_disconnected", items[0].Reason)

	out, err = runCLI(t, "--db", db, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "host_disconnected")

	out, err = runCLI(t, "--db", db, "queue", "clear")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 1 queued refreshes.\n", out)

	out, err = runCLI(t, "--db", db, "--json", "queue", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
