// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
包 tlsutil 集中提供出站连接的 TLS 配置。

# 核心能力

  - DefaultTLSConfig — TLS 1.2+，仅 AEAD 密码套件
  - ClientConfig     — 在加固配置上叠加私有 CA、SNI 与跳过校验选项
  - AdapterClient    — platform.HTTPAdapter 访问平台网关使用的客户端
  - RedisConfig      — store 的 Redis 后端在 tls: true 时使用，SNI 取自地址
*/
package tlsutil
