/*
Package config decodes and validates disktender's two on-disk JSON
configuration documents: the provisioner's ClusterConfig (pool, weight
targets, caps, system disks, journal devices) and the coordinator's
CoordinatorConfig (backend kind, secret-store endpoint, daemon paths).

Validation is explicit field checks returning a wrapped error; invalid
configuration is fatal at startup.
*/
package config
