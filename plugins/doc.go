// Package plugins provides the plugin contract and registry of the command engine.
//
// A Plugin exposes Metadata and Commands; optional capabilities (hooks, Init,
// Cleanup, Middleware, Background) are separate interfaces checked during
// validation. The Registry serializes lifecycle transitions
// (Discovered → Validated → Registered → Active → Disabled/Unloaded) and publishes
// an immutable Snapshot after each one, so resolution never blocks.
//
// Plugins come from a Catalog of compiled-in factories and from YAML manifests
// whose commands forward to bridge ops:
//
//	candidates, err := plugins.DefaultCatalog().Discover(env, cfg.Commands.PluginDir)
//	report := registry.LoadAll(ctx, candidates, cfg.PluginEnabled)
//	route, err := registry.Snapshot().Resolve("/status", plugins.ResolveOptions{Prefix: "/"})
package plugins
