// Package config
//
// Layers are applied in order: built-in defaults, each file added with
// AddLayer (JSON or YAML, deep-merged so a layer only overrides the keys it
// names), then ENTITYCACHE_* environment variables. Durations accept Go
// syntax plus a day suffix ("14d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/entitycache/base.yaml")
//	loader.AddLayer("local.json")
//	cfg, err := loader.Load()
package config
