/*
Package types defines the core data structures shared across disktender's
components: block devices, OSD identities, journal devices, LVM tag sets,
repair entries, and the diagnostic state machine's states.

These types are used by internal/blockdev, internal/config,
internal/provisioner, internal/dsm, internal/repairdb,
internal/coordinator, and api/wire alike so that no
component needs to re-derive the shape of a disk, an OSD, or a repair
entry on its own.
*/
package types
