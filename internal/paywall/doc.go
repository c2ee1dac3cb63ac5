// Package paywall 管理付费服务的授权：按服务串行化订阅，决定真实或模拟支付，
// 记录交易，签发 HS256 授权令牌并写入唯一的有效授权。
package paywall
