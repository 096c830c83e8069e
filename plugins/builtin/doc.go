/*
包 builtin 提供随二进制编译的内置插件。

导入本包（通常是空白导入）时，各插件工厂通过 init 注册到 plugins.DefaultCatalog：

  - system：status、help、ping、config
  - cache：缓存统计与维护
  - content：经桥接解析内容（按 SHA-256 缓存）与触发更新
  - audit：记录每次分发，拒绝 plugins.audit.deny 中列出的命令
  - history / history-pruner：执行历史记录、查询与定期清理（history.enabled 时）
  - bridge-monitor：定期测试桥接连通性

依赖的服务未配置时，工厂返回 plugins.ErrSkip。
*/
package builtin
