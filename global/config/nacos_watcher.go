package config

import (
	"encoding/json"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"IMCore/logger"
	errs "IMCore/tools/errs"
)

var (
	onceConfig sync.Once
	configCli  config_client.IConfigClient
	configErr  error
)

func nacosClient(nc NacosConfig) (config_client.IConfigClient, error) {
	onceConfig.Do(func() {
		cli, err := clients.NewConfigClient(vo.NacosClientParam{
			ClientConfig: constant.NewClientConfig(
				constant.WithNamespaceId("public"),
				constant.WithTimeoutMs(5000),
				constant.WithNotLoadCacheAtStart(true),
			),
			ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(nc.Addr, nc.Port)},
		})
		configCli, configErr = cli, err
	})
	return configCli, configErr
}

// StartWatcher 订阅配置中心的热更新段；每次变更用最新 JSON 覆盖一份拷贝后回调
// 仅热更新运行参数（限流、批量、超时）；端口与后端地址变更需要重启
func StartWatcher(cfg *AppConfig, onChange func(*AppConfig)) error {
	if !cfg.Nacos.Enable {
		return nil
	}
	cli, err := nacosClient(cfg.Nacos)
	if err != nil {
		return errs.WrapMsg(err, "nacos client")
	}

	apply := func(data string) {
		next := *cfg
		if err := json.Unmarshal([]byte(data), &next); err != nil {
			logger.Warnf("nacos config unparsable, keep running config: %v", err)
			return
		}
		onChange(&next)
	}

	if content, err := cli.GetConfig(vo.ConfigParam{DataId: cfg.Nacos.DataID, Group: cfg.Nacos.Group}); err == nil && content != "" {
		apply(content)
	}

	return cli.ListenConfig(vo.ConfigParam{
		DataId: cfg.Nacos.DataID,
		Group:  cfg.Nacos.Group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Infof("nacos config changed: %s/%s", group, dataId)
			apply(data)
		},
	})
}
