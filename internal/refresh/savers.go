package refresh

import (
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// Collection names.
const (
	collectionResourceGroups         = "resource_groups"
	collectionCloudTenants           = "cloud_tenants"
	collectionFlavors                = "flavors"
	collectionAvailabilityZones      = "availability_zones"
	collectionHostAggregates         = "host_aggregates"
	collectionSecurityGroups         = "security_groups"
	collectionCloudNetworks          = "cloud_networks"
	collectionCloudSubnets           = "cloud_subnets"
	collectionKeyPairs               = "key_pairs"
	collectionOrchestrationTemplates = "orchestration_templates"
	collectionOrchestrationCatalog   = "orchestration_templates_catalog"
	collectionOrchestrationStacks    = "orchestration_stacks"
	collectionCloudVolumes           = "cloud_volumes"
	collectionCloudVolumeBackups     = "cloud_volume_backups"
	collectionCloudVolumeSnapshots   = "cloud_volume_snapshots"
	collectionInstances              = "instances"
	collectionCloudResourceQuotas    = "cloud_resource_quotas"
	collectionObjectStoreContainers  = "cloud_object_store_containers"
	collectionObjectStoreObjects     = "cloud_object_store_objects"
	collectionCloudServices          = "cloud_services"
	collectionHosts                  = "hosts"
)

// Attribute names the savers treat specially.
const (
	keyParentID      = "parent_id"
	keyBaseSnapshot  = "base_snapshot"
	keyParentVM      = "parent_vm"
	keyRawPowerState = "raw_power_state"
)

// collectionSpec configures the generic saver for one collection.
type collectionSpec struct {
	name  string
	keys  []string // natural key fields
	refs  []ref    // cross-references resolved to id columns before write
	strip []string // attributes held back from the store, besides ref fields
}

// stripKeys returns every attribute removed from the working record before
// it is written.
func (s collectionSpec) stripKeys() []string {
	out := make([]string, 0, len(s.refs)+len(s.strip))
	for _, f := range s.refs {
		out = append(out, f.field)
	}

	return append(out, s.strip...)
}

var emsRefKey = []string{snapshot.KeyEMSRef}

func tenantRef(field string) ref {
	return ref{field: field, column: "cloud_tenant_id", target: collectionCloudTenants, always: true}
}

func zoneRef() ref {
	return ref{field: "availability_zone", column: "availability_zone_id", target: collectionAvailabilityZones, always: true}
}

// collectionOrder is the fixed save order: collections that others reference
// come first. Instances are saved by their own reconciler at their slot.
var collectionOrder = []collectionSpec{
	{name: collectionResourceGroups, keys: emsRefKey},
	{name: collectionCloudTenants, keys: emsRefKey, strip: []string{keyParentID}},
	{
		name: collectionFlavors,
		keys: emsRefKey,
		refs: []ref{{field: "cloud_tenants", column: "cloud_tenant_ids", target: collectionCloudTenants, many: true, always: true}},
	},
	{name: collectionAvailabilityZones, keys: emsRefKey},
	{name: collectionHostAggregates, keys: emsRefKey},
	{name: collectionSecurityGroups, keys: emsRefKey},
	{name: collectionCloudNetworks, keys: emsRefKey, refs: []ref{tenantRef("cloud_tenant")}},
	{
		name: collectionCloudSubnets,
		keys: emsRefKey,
		refs: []ref{
			{field: "cloud_network", column: "cloud_network_id", target: collectionCloudNetworks, always: true},
			zoneRef(),
		},
	},
	{name: collectionKeyPairs, keys: []string{snapshot.KeyName}},
	{name: collectionOrchestrationTemplates, keys: emsRefKey},
	{name: collectionOrchestrationCatalog, keys: emsRefKey},
	{
		name: collectionOrchestrationStacks,
		keys: emsRefKey,
		refs: []ref{{field: "orchestration_template", column: "orchestration_template_id", target: collectionOrchestrationTemplates}},
	},
	{
		name:  collectionCloudVolumes,
		keys:  emsRefKey,
		refs:  []ref{tenantRef("tenant"), zoneRef()},
		strip: []string{keyBaseSnapshot}, // linked once snapshots are saved
	},
	{
		name:  collectionCloudVolumeBackups,
		keys:  emsRefKey,
		refs:  []ref{{field: "volume", column: "cloud_volume_id", target: collectionCloudVolumes, always: true}, zoneRef()},
		strip: []string{"tenant"},
	},
	{
		name: collectionCloudVolumeSnapshots,
		keys: emsRefKey,
		refs: []ref{tenantRef("tenant"), {field: "volume", column: "cloud_volume_id", target: collectionCloudVolumes, always: true}},
	},
	{name: collectionInstances, keys: []string{snapshot.KeyUIDEMS}},
	{
		name: collectionCloudResourceQuotas,
		keys: []string{snapshot.KeyEMSRef, snapshot.KeyName},
		refs: []ref{tenantRef("cloud_tenant")},
	},
	{name: collectionObjectStoreContainers, keys: emsRefKey, refs: []ref{tenantRef("tenant")}},
	{
		name: collectionObjectStoreObjects,
		keys: emsRefKey,
		refs: []ref{
			tenantRef("tenant"),
			{field: "container", column: "cloud_object_store_container_id", target: collectionObjectStoreContainers, always: true},
		},
	},
	{name: collectionCloudServices, keys: emsRefKey},
}

// specFor returns the saver configuration of collection.
func specFor(collection string) (collectionSpec, bool) {
	for _, s := range collectionOrder {
		if s.name == collection {
			return s, true
		}
	}

	return collectionSpec{}, false
}

// instanceStripKeys are held back from instance writes: nested
// cross-references and attributes saved by other means.
var instanceStripKeys = []string{
	"hardware", "custom_attributes", "snapshots", "advanced_settings", "labels", "tags",
	"host", "ems_cluster", "storage", "storages", "storage_profile", keyRawPowerState, keyParentVM,
	"resource_group", "flavor", "availability_zone", "cloud_tenant", "cloud_tenants",
	"cloud_network", "cloud_subnet", "security_groups", "key_pairs", "orchestration_stack",
}

// instanceRefs are the instance cross-references stored as links.
var instanceRefs = []ref{
	{field: "flavor", column: "flavor_id", target: collectionFlavors, always: true},
	{field: "availability_zone", column: "availability_zone_id", target: collectionAvailabilityZones, always: true},
	{field: "cloud_network", column: "cloud_network_id", target: collectionCloudNetworks, always: true},
	{field: "cloud_subnet", column: "cloud_subnet_id", target: collectionCloudSubnets, always: true},
	{field: "cloud_tenant", column: "cloud_tenant_id", target: collectionCloudTenants, always: true},
	{field: "cloud_tenants", column: "cloud_tenant_ids", target: collectionCloudTenants, many: true},
	{field: "security_groups", column: "security_group_ids", target: collectionSecurityGroups, many: true},
	{field: "key_pairs", column: "key_pair_ids", target: collectionKeyPairs, many: true},
	{field: "orchestration_stack", column: "orchestration_stack_id", target: collectionOrchestrationStacks},
	{field: "resource_group", column: "resource_group_id", target: collectionResourceGroups},
	{field: "host", column: "host_id", target: collectionHosts},
}
