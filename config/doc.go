// Package config 提供 CommandFlow 的配置管理功能。
//
// 包含配置加载（默认值 → YAML → 环境变量 → 校验）、原子快照管理、
// 基于 fsnotify 的文件监听热重载，以及对外暴露的脱敏配置视图。
package config
