package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"IMCore/logger"
	errs "IMCore/tools/errs"
)

// Load 层级加载：缺省值 <- base 文件 <- service 文件 <- 环境变量
// 文件为 JSON（键与 mapstructure tag 一致）；路径为空则跳过该层
func Load(baseFile, serviceFile string) (*AppConfig, error) {
	merged := map[string]any{}
	for _, p := range []string{baseFile, serviceFile} {
		if p == "" {
			continue
		}
		layer, err := readFile(p)
		if err != nil {
			return nil, err
		}
		mergeMap(merged, layer)
	}
	applyEnv(merged)

	cfg := Defaults()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := dec.Decode(merged); err != nil {
		return nil, errs.WrapMsg(err, "decode config")
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapMsg(err, "read config", "path", path)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.WrapMsg(err, "parse config", "path", path)
	}
	return out, nil
}

// mergeMap 深合并；后写覆盖先写，嵌套 map 递归
func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		if mv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				mergeMap(dv, mv)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnv IM_ 前缀环境变量覆盖；双下划线进入嵌套段
// 例：IM_NODE_ID=gw-2  IM_REDIS__ADDR=10.0.0.5:6379
func applyEnv(dst map[string]any) {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, "IM_") || key == "IM_LOG_LEVEL" {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, "IM_")), "__")
		setPath(dst, path, coerce(val))
	}
}

func setPath(dst map[string]any, path []string, val any) {
	for i := 0; i < len(path)-1; i++ {
		next, ok := dst[path[i]].(map[string]any)
		if !ok {
			next = map[string]any{}
			dst[path[i]] = next
		}
		dst = next
	}
	dst[path[len(path)-1]] = val
}

func coerce(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if strings.Contains(s, ",") {
		return strings.Split(s, ",")
	}
	return s
}

// MustLoad 进程入口用；配置坏了直接退出
func MustLoad(baseFile, serviceFile string) *AppConfig {
	cfg, err := Load(baseFile, serviceFile)
	if err != nil {
		logger.Errorf("load config failed: %v", err)
		os.Exit(1)
	}
	return cfg
}
