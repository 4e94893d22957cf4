// Package api 通过 REST 接口暴露模块生命周期与执行命令：创建、评审、运行、中止、
// 查询、恢复与重试，并挂载 Prometheus 指标端点。
package api
