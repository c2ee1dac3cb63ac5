// Package redis 提供基于 Redis 的分布式互斥锁，用于在多个节点之间串行化
// 同一服务的授权签发。
package redis
