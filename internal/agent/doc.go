// Package agent 实现运行编排器：按 THINK、RETRIEVE、DECIDE、PAY、VERIFY、
// UNLOCK、BUILD、COMPLETE 的顺序推进单次运行，失败时进入 ERROR。
// 每次阶段切换都会先持久化再通过 events.Publisher 发出 state_change 事件。
package agent
