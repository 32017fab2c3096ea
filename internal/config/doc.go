// Package config 提供 crossval 的配置管理功能。
// 支持从 YAML 文件、环境变量（前缀 CV_）和命令行覆盖加载配置，
// 优先级顺序为：默认值 < YAML 文件 < 环境变量 < 命令行参数。
//
// 同时负责解析运行时的两个输入文件：服务器列表（host:directory）
// 和参数列表（每行一个参数字符串）。
package config
