package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadEngineConfig 加载引擎配置：展开${ENV}引用、解析YAML、应用默认值并校验（对外导出）
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	return ParseEngineConfig(data)
}

// ParseEngineConfig 从YAML内容解析引擎配置
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg EngineConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回仅含默认值的配置，使用内存后端
func Default() *EngineConfig {
	var cfg EngineConfig
	cfg.NodeEngine.Janitor.Enabled = true
	cfg.NodeEngine.API.Enabled = true
	cfg.ApplyDefaults()
	return &cfg
}
