// Package config 加载 tokend 的 YAML 配置文件，应用 TOKEND_* 环境变量覆盖，
// 并把十进制字符串解析为各领域模块的配置结构。未知字段视为错误。
package config
