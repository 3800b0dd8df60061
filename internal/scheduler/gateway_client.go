package scheduler

import (
	"context"
	"fmt"
	"time"

	"lifetrack-reminder/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// gatewayResponse 设备网关 API 响应
type gatewayResponse struct {
	Status  int    `json:"status"`
	Msg     string `json:"msg"`
	Granted bool   `json:"granted"`
}

// GatewayClient 设备网关 API 客户端
// 精确闹钟权限状态由设备网关维护（设备在线上报），服务端查询/请求
type GatewayClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewGatewayClient 创建设备网关客户端
func NewGatewayClient(cfg *config.GatewayConfig, logger *zap.Logger) *GatewayClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &GatewayClient{
		httpClient: client,
		logger:     logger,
	}
}

var _ ExactCapability = (*GatewayClient)(nil)

// CanScheduleExact 查询设备当前是否允许精确闹钟
func (c *GatewayClient) CanScheduleExact(ctx context.Context, deviceID string) (bool, error) {
	var response gatewayResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&response).
		Get(fmt.Sprintf("/gateway/api/v1/devices/%s/exact-alarm", deviceID))

	if err != nil {
		return false, fmt.Errorf("failed to query exact alarm capability: %w", err)
	}

	if resp.IsError() {
		return false, fmt.Errorf("gateway returned status %d for device %s", resp.StatusCode(), deviceID)
	}

	return response.Granted, nil
}

// RequestExactPermission 向设备发起精确闹钟权限请求
func (c *GatewayClient) RequestExactPermission(ctx context.Context, deviceID string) (bool, error) {
	var response gatewayResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&response).
		Post(fmt.Sprintf("/gateway/api/v1/devices/%s/exact-alarm/request", deviceID))

	if err != nil {
		return false, fmt.Errorf("failed to request exact alarm permission: %w", err)
	}

	if resp.IsError() {
		return false, fmt.Errorf("gateway returned status %d for device %s", resp.StatusCode(), deviceID)
	}

	c.logger.Info("Requested exact alarm permission",
		zap.String("device_id", deviceID),
		zap.Bool("granted", response.Granted),
	)

	return response.Granted, nil
}
