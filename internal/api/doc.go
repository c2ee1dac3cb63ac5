// Package api 暴露运行、事件流、授权、钱包、记忆与产物的 HTTP 接口。
// 运行事件通过 Server-Sent Events 推送。
package api
