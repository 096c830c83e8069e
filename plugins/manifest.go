package plugins

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 📄 YAML 插件清单
// =============================================================================

// Manifest declares a command plugin whose commands forward to bridge ops.
//
//	name: weather
//	version: 1.0.0
//	commands:
//	  - name: forecast
//	    op: forecast
//	    timeout_ms: 5000
//	    cache_ttl: 60s
//	    params:
//	      - {name: city, type: string, required: true}
type Manifest struct {
	Name         string            `yaml:"name"`
	Version      string            `yaml:"version"`
	Category     string            `yaml:"category"`
	Description  string            `yaml:"description"`
	Dependencies []string          `yaml:"dependencies"`
	Commands     []ManifestCommand `yaml:"commands"`
}

// ManifestCommand is a single forwarded command.
type ManifestCommand struct {
	Name        string        `yaml:"name"`
	Aliases     []string      `yaml:"aliases"`
	Description string        `yaml:"description"`
	Category    string        `yaml:"category"`
	Op          string        `yaml:"op"`
	TimeoutMS   int64         `yaml:"timeout_ms"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Params      Schema        `yaml:"params"`
}

// ManifestPlugin is the Plugin built from a Manifest.
type ManifestPlugin struct {
	manifest Manifest
	path     string
	commands []Command
}

// ParseManifest decodes a manifest. Unknown keys are rejected.
func ParseManifest(data []byte, path string) (*ManifestPlugin, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("manifest %s is empty", path)
		}
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s: name is required", path)
	}

	mp := &ManifestPlugin{manifest: m, path: path}
	for _, mc := range m.Commands {
		mp.commands = append(mp.commands, Command{
			Name:        mc.Name,
			Aliases:     mc.Aliases,
			Description: mc.Description,
			Category:    mc.Category,
			Params:      mc.Params,
			Handler:     forwardHandler(mc),
		})
	}
	return mp, nil
}

// LoadManifests parses every *.yaml / *.yml file in dir, sorted by file name.
// A missing directory yields no manifests.
func LoadManifests(dir string) ([]*ManifestPlugin, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var (
		out  []*ManifestPlugin
		errs []error
	)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("read manifest %s: %w", f, err))
			continue
		}
		mp, err := ParseManifest(data, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, mp)
	}
	return out, errors.Join(errs...)
}

// Metadata implements Plugin.
func (m *ManifestPlugin) Metadata() Metadata {
	category := m.manifest.Category
	if category == "" {
		category = "external"
	}
	return Metadata{
		Name:         m.manifest.Name,
		Version:      m.manifest.Version,
		Category:     category,
		Kind:         KindCommand,
		Dependencies: m.manifest.Dependencies,
		Description:  m.manifest.Description,
	}
}

// Commands implements Plugin.
func (m *ManifestPlugin) Commands() []Command { return m.commands }

// Path returns the manifest file path.
func (m *ManifestPlugin) Path() string { return m.path }

func forwardHandler(mc ManifestCommand) HandlerFunc {
	op := mc.Op
	if op == "" {
		op = mc.Name
	}
	return func(ctx context.Context, ec *ExecutionContext) (any, error) {
		if ec.Bridge == nil {
			return nil, types.NewBridgeUnavailableError("bridge is not configured", nil)
		}

		var key string
		if mc.CacheTTL > 0 && ec.Cache != nil {
			key = ForwardCacheKey(op, ec.Params)
			if v, ok, err := ec.Cache.Get(ctx, key); err == nil && ok {
				return json.RawMessage(v), nil
			}
		}

		var opts []bridge.CallOption
		if mc.TimeoutMS > 0 {
			opts = append(opts, bridge.WithTimeout(time.Duration(mc.TimeoutMS)*time.Millisecond))
		}
		res, err := ec.Bridge.Call(ctx, op, ec.Params, opts...)
		if err != nil {
			return nil, err
		}

		if key != "" {
			if err := ec.Cache.Set(ctx, key, string(res), mc.CacheTTL); err != nil && ec.Logger != nil {
				ec.Logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
			}
		}
		return res, nil
	}
}

// ForwardCacheKey derives a stable cache key from an op and its parameters.
func ForwardCacheKey(op string, params map[string]any) string {
	// encoding/json 对 map 键排序，结果稳定
	data, _ := json.Marshal(params)
	sum := sha256.Sum256(append([]byte(op+"\x00"), data...))
	return "bridge:" + op + ":" + hex.EncodeToString(sum[:16])
}
